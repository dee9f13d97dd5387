package engine

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"

	"github.com/google/uuid"
)

var otpSpace = big.NewInt(1000000)

// GenerateOTP returns a uniformly random 6-digit code.
func GenerateOTP() (string, error) {
	n, err := rand.Int(rand.Reader, otpSpace)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// newTicketID returns an id such as TKT4F09A1C2B7.
func newTicketID() string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "TKT" + strings.ToUpper(raw[:10])
}
