// Package client — клиентская библиотека состояния TimeSlice: сессия,
// realtime-транспорт и сторы разговоров, уведомлений и дашборда. Сторы
// создаются один раз при старте процесса и передаются потребителям по
// ссылке; жизненный цикл явный (init/Close), без глобального состояния.
package client

import (
	"errors"
	"fmt"
)

// errClosed возвращается операциями на сторе после teardown.
var errClosed = errors.New("store closed")

// FetchError — сбой сети или транспорта. Операцию можно повторить.
type FetchError struct {
	Op    string
	Cause error
}

func (e *FetchError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Cause)
	}
	return e.Op
}

func (e *FetchError) Unwrap() error { return e.Cause }

// ValidationError — некорректный ввод вызывающей стороны (например, пустой
// список участников). Состояние стора не меняется.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// NotFoundError — операция ссылается на id, которого нет в локальном
// состоянии стора.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// DeliveryError — оптимистичная отправка не подтверждена транспортом.
// Сообщение остаётся в сторе со статусом failed, вызывающий может повторить.
type DeliveryError struct {
	ClientRef string
	Reason    string
	Cause     error
}

func (e *DeliveryError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("delivery failed (%s): %s", e.ClientRef, e.Reason)
	}
	return fmt.Sprintf("delivery failed (%s): %v", e.ClientRef, e.Cause)
}

func (e *DeliveryError) Unwrap() error { return e.Cause }

func fetchErr(op string, cause error) error {
	return &FetchError{Op: op, Cause: cause}
}
