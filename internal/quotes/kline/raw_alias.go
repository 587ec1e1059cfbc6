package kline

import "gopherex.com/mdfeed/internal/quotes/datasource/model"

// 别名，不是复制类型：数据源层和归一化层共用同一个原始模型
type RawKline = model.RawKline
