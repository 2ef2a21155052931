// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"github.com/go-playground/validator/v10"
)

const (
	// MaxMessageContentBytes is the maximum size of a single message.
	MaxMessageContentBytes = 32 * 1024

	// MaxHistoryMessages is the maximum conversation history per request.
	MaxHistoryMessages = 200

	// MaxQueryBytes is the maximum size of the current query.
	MaxQueryBytes = 8 * 1024
)

// validate is the package-level validator instance, safe for concurrent use.
var validate *validator.Validate

func init() {
	validate = validator.New()

	// maxbytes: string length in bytes must not exceed MaxMessageContentBytes.
	_ = validate.RegisterValidation("maxbytes", func(fl validator.FieldLevel) bool {
		return len(fl.Field().String()) <= MaxMessageContentBytes
	})
}

// ValidateStruct runs the shared validator against any tagged struct.
func ValidateStruct(v any) error {
	return validate.Struct(v)
}
