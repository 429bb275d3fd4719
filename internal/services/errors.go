package services

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrConcurrentUpdate  = errors.New("concurrent update")
	ErrValidation        = errors.New("validation failed")
	ErrInsufficientFunds = errors.New("insufficient funds")
)

// Result is the outcome every RPC operation reports. Business failures
// (unknown account, insufficient funds) are a Result with Success false,
// not a Go error.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func succeeded(message string) Result {
	return Result{Success: true, Message: message}
}

func failed(message string) Result {
	return Result{Success: false, Message: message}
}
