package pii

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/vaibhaw-/govproxy/internal/govproxy/model"
)

func TestMask(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		masking model.Masking
		want    string
	}{
		{"none", "john.doe@example.com", model.MaskNone, "john.doe@example.com"},
		{"full", "123-45-6789", model.MaskFull, "********"},
		{"full_empty", "", model.MaskFull, ""},
		{"partial_email", "john.doe@example.com", model.MaskPartial, "j*******@example.com"},
		{"partial_ssn", "123-45-6789", model.MaskPartial, "***-**-6789"},
		{"partial_card", "4111 1111 1111 1111", model.MaskPartial, "**** **** **** 1111"},
		{"partial_short", "abc", model.MaskPartial, "**c"},
		{"partial_name", "John Smith", model.MaskPartial, "**** *mith"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Mask(tt.value, tt.masking))
		})
	}
}
