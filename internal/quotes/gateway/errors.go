package gateway

import "errors"

var ErrBrokerClosed = errors.New("gateway: broker closed")
