package validation

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	enTranslations "github.com/go-playground/validator/v10/translations/en"
)

var (
	reISDCode = regexp.MustCompile(`^\+\d{1,3}$`)
	reMobile  = regexp.MustCompile(`^\+\d{1,3}\d{10}$`)
)

// FieldError is one entry of the per-field error list returned on a 400.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// FieldErrors is the error type produced when request validation fails.
type FieldErrors []FieldError

func (fe FieldErrors) Error() string {
	if len(fe) == 0 {
		return "validation error"
	}

	msgs := make([]string, 0, len(fe))
	for _, e := range fe {
		msgs = append(msgs, fmt.Sprintf("%s: %s", e.Field, e.Message))
	}
	return strings.Join(msgs, "; ")
}

// Validator wraps go-playground/validator with json field names and the
// message texts the API has always returned.
type Validator struct {
	validate   *validator.Validate
	translator ut.Translator
}

func New() (*Validator, error) {
	validate := validator.New(validator.WithRequiredStructEnabled())

	// Report fields under their json names, matching the request payload.
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	enLang := en.New()
	uni := ut.New(enLang, enLang)
	translator, ok := uni.GetTranslator("en")
	if !ok {
		return nil, fmt.Errorf("translator not found")
	}

	if err := enTranslations.RegisterDefaultTranslations(validate, translator); err != nil {
		return nil, err
	}

	if err := validate.RegisterValidation("isdcode", func(fl validator.FieldLevel) bool {
		return reISDCode.MatchString(fl.Field().String())
	}); err != nil {
		return nil, err
	}

	if err := validate.RegisterValidation("msisdn", func(fl validator.FieldLevel) bool {
		return reMobile.MatchString(fl.Field().String())
	}); err != nil {
		return nil, err
	}

	messages := map[string]string{
		"oneof":   "Invalid Mr/Ms",
		"min":     "Name between 2 & 50 char",
		"max":     "Name between 2 & 50 char",
		"isdcode": "Invalid ISD",
		"msisdn":  "Invalid Mobile <10-digit>",
		"email":   "Invalid Email",
	}

	for tag, message := range messages {
		if err := registerMessage(validate, translator, tag, message); err != nil {
			return nil, err
		}
	}

	return &Validator{
		validate:   validate,
		translator: translator,
	}, nil
}

// Validate checks a request struct and returns FieldErrors on failure.
func (v *Validator) Validate(data any) error {
	err := v.validate.Struct(data)
	if err == nil {
		return nil
	}

	validateErrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}

	fieldErrs := make(FieldErrors, 0, len(validateErrs))
	for _, fe := range validateErrs {
		fieldErrs = append(fieldErrs, FieldError{
			Field:   fe.Field(),
			Message: fe.Translate(v.translator),
		})
	}

	return fieldErrs
}

func registerMessage(validate *validator.Validate, translator ut.Translator, tag, message string) error {
	return validate.RegisterTranslation(tag, translator,
		func(ut ut.Translator) error {
			return ut.Add(tag, message, true)
		},
		func(ut ut.Translator, fe validator.FieldError) string {
			t, err := ut.T(fe.Tag(), fe.Field())
			if err != nil {
				return fe.Error()
			}
			return t
		},
	)
}
