package user

import (
	"fmt"
	"strings"
	"unicode"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/pmezard/go-difflib/difflib"

	"github.com/schoolyard/portal/core"
)

var (
	// password policy
	pwdMinLen     = 8
	pwdMinLenTag  = "pwdminlen"
	pwdMinLenText = fmt.Sprintf("password must contain at least %d characters", pwdMinLen)

	pwdNoSpaceTag  = "pwdnospace"
	pwdNoSpaceText = "password must not contain whitespace"

	pwdNotAllNumTag  = "pwdnotallnum"
	pwdNotAllNumText = "password cannot be entirely numeric"

	pwdMaxSim      = .7
	pwdAttrSimTag  = "pwdtoosim"
	pwdAttrSimText = "password cannot be similar to user attributes"
)

// InitValidators registers user struct validations and their translations.
func InitValidators(validate *validator.Validate, translator ut.Translator) {
	validate.RegisterStructValidation(userStructValidation, NewUser{})
	validate.RegisterStructValidation(userStructValidation, ResetUserPassword{})
	core.RegisterCustomTranslation(validate, translator, pwdMinLenTag, pwdMinLenText)
	core.RegisterCustomTranslation(validate, translator, pwdNoSpaceTag, pwdNoSpaceText)
	core.RegisterCustomTranslation(validate, translator, pwdNotAllNumTag, pwdNotAllNumText)
	core.RegisterCustomTranslation(validate, translator, pwdAttrSimTag, pwdAttrSimText)
}

// userStructValidation does struct level validation on password-carrying structs.
func userStructValidation(sl validator.StructLevel) {
	switch data := sl.Current().Interface().(type) {
	case NewUser:
		validatePassword(data.Password, sl, data.Name, data.Username, data.Email)
	case ResetUserPassword:
		validatePassword(data.Password, sl, data.UID)
	}
}

func validatePassword(pwd string, sl validator.StructLevel, userAttrs ...string) {
	if len(pwd) < pwdMinLen {
		sl.ReportError(pwd, "password", "Password", pwdMinLenTag, "")
	}
	if strings.ContainsFunc(pwd, unicode.IsSpace) {
		sl.ReportError(pwd, "password", "Password", pwdNoSpaceTag, "")
	}
	if allNumeric(pwd) {
		sl.ReportError(pwd, "password", "Password", pwdNotAllNumTag, "")
	}

	// reject passwords too similar to the user's own attributes
	lowerPwd := strings.ToLower(pwd)
	for _, attr := range userAttrs {
		if attr == "" {
			continue
		}
		m := difflib.NewMatcher(
			strings.Split(lowerPwd, ""),
			strings.Split(strings.ToLower(attr), ""),
		)
		if m.Ratio() > pwdMaxSim {
			sl.ReportError(pwd, "password", "Password", pwdAttrSimTag, "")
			break
		}
	}
}

func allNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
