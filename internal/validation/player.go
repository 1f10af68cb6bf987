// Package validation содержит функции валидации входных данных.
package validation

import (
	"regexp"

	"github.com/go-playground/validator/v10"
)

var (
	playerNameRe = regexp.MustCompile(`^[A-Za-z0-9_]{3,16}$`)
	emailRe      = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
)

// IsValidPlayerName проверяет формат имени игрока Minecraft: латиница, цифры и
// подчёркивание, от 3 до 16 символов.
func IsValidPlayerName(name string) bool {
	return playerNameRe.MatchString(name)
}

// IsValidEmail проверяет адрес электронной почты.
func IsValidEmail(email string) bool {
	return emailRe.MatchString(email)
}

// New создаёт валидатор структур с зарегистрированным тегом playername.
func New() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("playername", func(fl validator.FieldLevel) bool {
		return IsValidPlayerName(fl.Field().String())
	})
	return v
}
