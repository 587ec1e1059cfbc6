package ws

import "github.com/segmentio/encoding/json"

type ClientMsg struct {
	Type   string   `json:"type"`   // "sub" | "unsub"
	Topics []string `json:"topics"` // topic list
}

type ServerMsg struct {
	Type  string          `json:"type"`  // "kline"
	Topic string          `json:"topic"` // e.g. kline:1m:BTCUSDT
	Data  json.RawMessage `json:"data"`
}

func encodeKline(topic string, data []byte) ([]byte, error) {
	return json.Marshal(ServerMsg{Type: "kline", Topic: topic, Data: data})
}
