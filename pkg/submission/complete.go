// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package submission

import (
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

type installerFields struct {
	Name           string `mapstructure:"name"            validate:"required"`
	CompanyName    string `mapstructure:"company_name"    validate:"required"`
	MailingAddress string `mapstructure:"mailing_address" validate:"required"`
	Phone          string `mapstructure:"phone"           validate:"required"`
	Email          string `mapstructure:"email"           validate:"required"`
}

type locationFields struct {
	StreetAddress string `mapstructure:"street_address" validate:"required"`
	City          string `mapstructure:"city"           validate:"required"`
	State         string `mapstructure:"state"          validate:"required"`
	ZipCode       string `mapstructure:"zip_code"       validate:"required"`
}

type requiredFields struct {
	Installer *installerFields `mapstructure:"installer" validate:"required"`
	Location  *locationFields  `mapstructure:"location"  validate:"required"`
}

// IsFormComplete reports whether every installer and location field is
// filled with a non-blank string.
func IsFormComplete(formData map[string]interface{}) bool {
	if formData == nil {
		return false
	}

	var fields requiredFields

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: trimStrings,
		Result:     &fields,
	})
	if err != nil {
		return false
	}

	if err := dec.Decode(formData); err != nil {
		return false
	}

	return validate.Struct(fields) == nil
}

func trimStrings(_ reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
	if s, ok := data.(string); ok && to.Kind() == reflect.String {
		return strings.TrimSpace(s), nil
	}

	return data, nil
}
