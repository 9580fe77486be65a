package provider

import (
	"errors"
	"fmt"
	"net/http"
)

const fallbackStatus = http.StatusInternalServerError

// ConnectivityError 表示连接被拒绝或超时，请求没有拿到任何响应。
type ConnectivityError struct {
	Op  string
	Err error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("%s: connection failed: %v", e.Op, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

func (e *ConnectivityError) StatusCode() int { return fallbackStatus }

// APIError 携带远端返回的 statusCode/message；没有结构化响应体时退回 HTTP 状态或 500。
type APIError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Op, e.StatusCode, e.Message)
}

// StatusCode 从任意错误里取状态码，取不到时为 500。
func StatusCode(err error) int {
	if err == nil {
		return 0
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode > 0 {
		return apiErr.StatusCode
	}
	var connErr *ConnectivityError
	if errors.As(err, &connErr) {
		return connErr.StatusCode()
	}
	return fallbackStatus
}

// Message 返回适合写进日志/结果的错误说明。
func Message(err error) string {
	if err == nil {
		return ""
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	return err.Error()
}

func IsConnectivity(err error) bool {
	var connErr *ConnectivityError
	return errors.As(err, &connErr)
}
