package store

import (
	"fmt"
	"strings"
)

const tokenNumberPad = 4

// FormatTokenNumber renders an appointment display code such as CARD-0007.
func FormatTokenNumber(departmentCode string, seq int64) string {
	return fmt.Sprintf("%s-%0*d", strings.ToUpper(departmentCode), tokenNumberPad, seq)
}
