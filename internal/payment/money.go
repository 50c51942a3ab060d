package payment

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Amount units understood by processors.
const (
	UnitMajor = "major"
	UnitMinor = "minor"
)

var currencyExponent = map[string]int32{
	"BIF": 0, "CLP": 0, "DJF": 0, "GNF": 0, "ISK": 0, "JPY": 0, "KMF": 0, "KRW": 0,
	"PYG": 0, "RWF": 0, "UGX": 0, "VND": 0, "VUV": 0, "XAF": 0, "XOF": 0, "XPF": 0,
	"BHD": 3, "IQD": 3, "JOD": 3, "KWD": 3, "LYD": 3, "OMR": 3, "TND": 3,
}

// Exponent returns the number of minor-unit digits for currency.
func Exponent(currency string) int32 {
	if exp, ok := currencyExponent[strings.ToUpper(currency)]; ok {
		return exp
	}
	return 2
}

// ToProcessorAmount renders a minor-unit amount in the unit the processor
// account expects.
func ToProcessorAmount(minor int64, currency, unit string) json.Number {
	if unit == UnitMinor {
		return json.Number(strconv.FormatInt(minor, 10))
	}
	return json.Number(decimal.New(minor, -Exponent(currency)).String())
}

// FromProcessorAmount converts a processor amount back to minor units.
func FromProcessorAmount(amount json.Number, currency, unit string) (int64, error) {
	if amount == "" {
		return 0, nil
	}
	d, err := decimal.NewFromString(amount.String())
	if err != nil {
		return 0, err
	}
	if unit != UnitMinor {
		d = d.Shift(Exponent(currency))
	}
	return d.Round(0).IntPart(), nil
}
