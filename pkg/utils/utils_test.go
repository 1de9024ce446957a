package utils

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTruncateString(t *testing.T) {
	tests := []struct {
		input    string
		length   int
		expected string
	}{
		{"hello world", 5, "he..."},
		{"short", 10, "short"},
		{"exact", 5, "exact"},
		{"", 5, ""},
		{"abc", 2, "ab"},
		{"abc", 3, "abc"},
	}

	for _, tt := range tests {
		result := TruncateString(tt.input, tt.length)
		if result != tt.expected {
			t.Errorf("TruncateString(%q, %d) = %q; want %q", tt.input, tt.length, result, tt.expected)
		}
	}
}

func TestShortID(t *testing.T) {
	assert.Equal(t, "abc", ShortID("abc"))
	assert.Equal(t, "0123ab..wxyz", ShortID("0123abcdefghijklmnopqrstuvwxyz"))
}

func TestAddCommas(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"123", "123"},
		{"1234", "1,234"},
		{"123456", "123,456"},
		{"1234567", "1,234,567"},
		{"1234.56", "1,234.56"},
		{"-1234", "-1,234"},
		{"", ""},
	}

	for _, tt := range tests {
		result := AddCommas(tt.input)
		if result != tt.expected {
			t.Errorf("AddCommas(%q) = %q; want %q", tt.input, result, tt.expected)
		}
	}
}

func TestFormatFloat(t *testing.T) {
	tests := []struct {
		input    float64
		decimals int
		expected string
	}{
		{1234.5678, 2, "1,234.57"},
		{1234.5, 2, "1,234.50"},
		{0, 2, "0.00"},
	}

	for _, tt := range tests {
		result := FormatFloat(tt.input, tt.decimals)
		if result != tt.expected {
			t.Errorf("FormatFloat(%f, %d) = %q; want %q", tt.input, tt.decimals, result, tt.expected)
		}
	}
	assert.Equal(t, "$6,000.00", FormatUSD(6000))
}

func TestFormatBalance(t *testing.T) {
	tests := []struct {
		input    string
		decimals int
		expected string
	}{
		{"1234.5678", 2, "1,234.57"},
		{"2", 4, "2.0000"},
		{"0.000000001", 9, "0.000000001"},
		{"", 2, "0"},
		{"not-a-number", 2, "not-a-number"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, FormatBalance(tt.input, tt.decimals), tt.input)
	}
}

func TestFormatChange(t *testing.T) {
	assert.Equal(t, "+1.50%", FormatChange(1.5))
	assert.Equal(t, "-2.25%", FormatChange(-2.25))
	assert.Equal(t, "0.00%", FormatChange(0))
}

func TestFormatAge(t *testing.T) {
	now := time.Date(2024, 1, 2, 12, 0, 0, 0, time.UTC)
	at := func(d time.Duration) *time.Time {
		v := now.Add(-d)
		return &v
	}

	assert.Equal(t, "never", FormatAge(nil, now))
	assert.Equal(t, "30s ago", FormatAge(at(30*time.Second), now))
	assert.Equal(t, "5m ago", FormatAge(at(5*time.Minute), now))
	assert.Equal(t, "3h ago", FormatAge(at(3*time.Hour), now))
	assert.Equal(t, "2d ago", FormatAge(at(49*time.Hour), now))
	assert.Equal(t, "just now", FormatAge(at(-time.Minute), now))
}

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "out.json")

	require.NoError(t, WriteFileAtomic(path, []byte(`{"a":1}`), 0o600))
	require.NoError(t, WriteFileAtomic(path, []byte(`{"a":2}`), 0o600))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `{"a":2}`, string(data))

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}
