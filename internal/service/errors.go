package service

import (
	"errors"
	"fmt"
)

// Виды бизнес-ошибок; проверяются через errors.Is
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrOrderNotFound   = errors.New("order not found")
	ErrProductNotFound = errors.New("product not found")
	ErrOutOfStock      = errors.New("out of stock")
)

// DomainError бизнес-ошибка с готовым для клиента текстом
type DomainError struct {
	Kind error
	Msg  string
}

func (e *DomainError) Error() string { return e.Msg }

func (e *DomainError) Unwrap() error { return e.Kind }

func newDomainError(kind error, format string, args ...any) *DomainError {
	return &DomainError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}
