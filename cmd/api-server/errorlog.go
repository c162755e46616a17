package main

import (
	"io"
	"log"
	"strings"
)

// noisyServerErrors 客户端中途断开导致的错误，看板刷新和 Agent 重连时大量出现
var noisyServerErrors = []string{
	"broken pipe",
	"connection reset by peer",
	"TLS handshake error",
}

// serverErrorFilter 过滤 http.Server 的连接噪音日志，其余写入 out
type serverErrorFilter struct {
	out io.Writer
}

func (f *serverErrorFilter) Write(p []byte) (n int, err error) {
	msg := string(p)
	for _, s := range noisyServerErrors {
		if strings.Contains(msg, s) {
			return len(p), nil
		}
	}
	return f.out.Write(p)
}

// newServerErrorLog 创建 http.Server.ErrorLog
func newServerErrorLog() *log.Logger {
	return log.New(&serverErrorFilter{out: log.Writer()}, "[http] ", log.LstdFlags)
}
