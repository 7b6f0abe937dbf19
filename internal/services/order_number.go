package services

import (
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// orderNumberSuffixLen is the number of random ULID characters appended to the time token.
const orderNumberSuffixLen = 6

// newOrderNumber builds "ORD-<base36 millis>-<random>". The time token sorts numbers by creation
// and the suffix keeps numbers generated in the same millisecond apart.
func newOrderNumber(now time.Time) string {
	token := strings.ToUpper(strconv.FormatInt(now.UnixMilli(), 36))
	random := ulid.Make().String()
	return "ORD-" + token + "-" + random[len(random)-orderNumberSuffixLen:]
}
