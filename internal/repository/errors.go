package repository

import "errors"

var (
	// ErrNotFound стандартная ошибка для случаев, когда запись не найдена.
	ErrNotFound = errors.New("record not found")

	// ErrMappingNotFound клиент Stripe не привязан ни к одному пользователю.
	ErrMappingNotFound = errors.New("customer mapping not found")
)
