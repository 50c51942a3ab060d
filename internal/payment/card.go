package payment

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// CardInput is the raw card submitted by the storefront. It is forwarded to
// the processor and never persisted or logged.
type CardInput struct {
	Number   string  `json:"number"`
	ExpMonth FlexInt `json:"exp_month"`
	ExpYear  FlexInt `json:"exp_year"`
	CVC      string  `json:"cvc"`
	Name     string  `json:"name,omitempty"`
}

// Billing is the cardholder block of a confirm request.
type Billing struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email"`
}

// FlexInt accepts a JSON number or a numeric string.
type FlexInt int

func (f *FlexInt) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*f = 0
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			*f = 0
			return nil
		}
		b = []byte(s)
	}
	n, err := strconv.Atoi(string(b))
	if err != nil {
		return fmt.Errorf("expected integer, got %s", b)
	}
	*f = FlexInt(n)
	return nil
}

// String redacts everything but the last four digits.
func (c CardInput) String() string {
	return "card(" + MaskCard(c.Number) + ")"
}

// Digits returns the card number without whitespace.
func (c CardInput) Digits() string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, c.Number)
}

// Last4 returns the trailing four digits of the card number.
func (c CardInput) Last4() string {
	d := c.Digits()
	if len(d) <= 4 {
		return d
	}
	return d[len(d)-4:]
}

// ExpiryYear returns the four-digit expiry year; two-digit years are 20YY.
func (c CardInput) ExpiryYear() int {
	y := int(c.ExpYear)
	if y >= 0 && y < 100 {
		return 2000 + y
	}
	return y
}

// MaskCard renders a card number as ****1234.
func MaskCard(number string) string {
	last4 := CardInput{Number: number}.Last4()
	if last4 == "" {
		return ""
	}
	return "****" + last4
}

// ValidateCard checks number length, expiry and CVV against now. It performs
// no I/O.
func ValidateCard(c CardInput, now time.Time) error {
	digits := c.Digits()
	if len(digits) < 15 || len(digits) > 19 || !allDigits(digits) {
		return fmt.Errorf("%w: number must be 15-19 digits", ErrInvalidCardNumber)
	}

	month := int(c.ExpMonth)
	if month < 1 || month > 12 {
		return fmt.Errorf("%w: month must be between 1 and 12", ErrInvalidExpiry)
	}
	year := c.ExpiryYear()
	if year <= 0 {
		return fmt.Errorf("%w: year is required", ErrInvalidExpiry)
	}
	if year < now.Year() || (year == now.Year() && month < int(now.Month())) {
		return ErrCardExpired
	}

	cvc := strings.TrimSpace(c.CVC)
	if len(cvc) < 3 || len(cvc) > 4 || !allDigits(cvc) {
		return fmt.Errorf("%w: cvv must be 3 or 4 digits", ErrInvalidCVV)
	}
	return nil
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
