package bandwidth

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Rate is a bandwidth in bytes per second.
type Rate int64

// Unlimited disables shaping.
const Unlimited Rate = 0

// uom stands for Unit Of Measurement. Units are BITS per second, not bytes
var uomSuffixes = []struct {
	unit string
	mul  int64
	div  int64
}{
	// IPerf assumes that megabit per second is exactly 1000000 bits per second
	// (not 1024 * 1024)
	{unit: "Kbps", mul: 1000, div: 8},
	{unit: "Mbps", mul: 1000 * 1000, div: 8},
	{unit: "Gbps", mul: 1000 * 1000 * 1000, div: 8},
	// tcptrack, on the other hand, uses <prefix>bytes per second where prefix
	// is a power of 2, that's why I'm using powers of 1024 for bytes-per-second
	// units
	{unit: "KBps", mul: 1024, div: 1},
	{unit: "MBps", mul: 1024 * 1024, div: 1},
	{unit: "GBps", mul: 1024 * 1024 * 1024, div: 1},
	{unit: "bps", mul: 1, div: 8},
	{unit: "Bps", mul: 1, div: 1},
}

// Tries to parse an UOM suffix from a string. Returns string stripped from that
// suffix and a multiplier. If no suffix matches, returns string as is and 1 as
// a multiplier.
func parseSuffix(s string) (string, int64, int64) {
	for _, v := range uomSuffixes {
		if strings.HasSuffix(s, v.unit) {
			return s[0 : len(s)-len(v.unit)], v.mul, v.div
		}
	}

	return s, 1, 1
}

// ParseLimit parses given limit string to bytes per second. A bare number is
// taken as bytes per second.
func ParseLimit(s string) (Rate, error) {
	numberString, mul, div := parseSuffix(strings.TrimSpace(s))
	bytesPerSecond, err := strconv.ParseInt(strings.TrimSpace(numberString), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse %q", s)
	}
	if bytesPerSecond < 0 {
		return 0, fmt.Errorf("negative values are not accepted as a bandwidth limit (%q)", s)
	}
	if bytesPerSecond > math.MaxInt64/mul {
		return 0, fmt.Errorf("bandwidth limit %q is out of range", s)
	}
	bytesPerSecond *= mul
	bytesPerSecond /= div

	return Rate(bytesPerSecond), nil
}

func (r Rate) String() string {
	if r == Unlimited {
		return "unlimited"
	}
	return strconv.FormatInt(int64(r), 10) + "Bps"
}

// Set implements pflag.Value.
func (r *Rate) Set(s string) error {
	v, err := ParseLimit(s)
	if err != nil {
		return err
	}
	*r = v
	return nil
}

// Type implements pflag.Value.
func (r *Rate) Type() string { return "rate" }

// UnmarshalJSON accepts a number of bytes per second or a unit string.
func (r *Rate) UnmarshalJSON(b []byte) error {
	var n json.Number
	if err := json.Unmarshal(b, &n); err == nil {
		return r.fromNumber(n.String())
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("rate must be a number or a string: %w", err)
	}
	return r.Set(s)
}

// UnmarshalYAML accepts a number of bytes per second or a unit string.
func (r *Rate) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("rate must be a scalar, line %d", value.Line)
	}
	if tag := value.ShortTag(); tag == "!!int" || tag == "!!float" {
		return r.fromNumber(value.Value)
	}
	return r.Set(value.Value)
}

func (r *Rate) fromNumber(s string) error {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("failed to parse %q", s)
	}
	if math.IsNaN(f) || f >= math.MaxInt64 || f < math.MinInt64 {
		return fmt.Errorf("bandwidth limit %q is out of range", s)
	}
	// Negative numbers are kept so that NewChannel can warn about them.
	*r = Rate(f)
	return nil
}
