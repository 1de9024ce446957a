package utils

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const PrivacyMask = "****"

func TruncateString(str string, num int) string {
	if len(str) <= num {
		return str
	}
	if num <= 3 {
		return str[:num]
	}
	return str[0:num-3] + "..."
}

// ShortID keeps the head and tail of a long identifier.
func ShortID(id string) string {
	if len(id) <= 12 {
		return id
	}
	return id[:6] + ".." + id[len(id)-4:]
}

func AddCommas(s string) string {
	if len(s) == 0 {
		return s
	}
	parts := strings.Split(s, ".")
	integerPart := parts[0]
	sign := ""
	if strings.HasPrefix(integerPart, "-") {
		sign = "-"
		integerPart = integerPart[1:]
	}

	n := len(integerPart)
	if n <= 3 {
		return s
	}

	var result strings.Builder
	result.WriteString(sign)
	remainder := n % 3
	if remainder > 0 {
		result.WriteString(integerPart[:remainder])
		result.WriteString(",")
	}
	for i := remainder; i < n; i += 3 {
		if i > remainder {
			result.WriteString(",")
		}
		result.WriteString(integerPart[i : i+3])
	}

	if len(parts) > 1 {
		result.WriteString(".")
		result.WriteString(parts[1])
	}
	return result.String()
}

func FormatFloat(f float64, decimals int) string {
	return AddCommas(fmt.Sprintf("%.*f", decimals, f))
}

func FormatUSD(f float64) string {
	return "$" + FormatFloat(f, 2)
}

// FormatBalance renders a decimal balance string with a fixed number of
// places. Unparseable input is returned unchanged.
func FormatBalance(balance string, decimals int) string {
	if balance == "" {
		return "0"
	}
	d, err := decimal.NewFromString(balance)
	if err != nil {
		return balance
	}
	return AddCommas(d.StringFixed(int32(decimals)))
}

// FormatChange renders a 24h change with an explicit sign.
func FormatChange(pct float64) string {
	if pct > 0 {
		return fmt.Sprintf("+%.2f%%", pct)
	}
	return fmt.Sprintf("%.2f%%", pct)
}

// FormatAge describes how long ago t was, or "never" for nil.
func FormatAge(t *time.Time, now time.Time) string {
	if t == nil {
		return "never"
	}
	d := now.Sub(*t)
	switch {
	case d < 0:
		return "just now"
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

// WriteFileAtomic writes data to a sibling tmp file and renames it over path.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, perm); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}
