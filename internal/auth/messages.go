package auth

import (
	"errors"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/message/catalog"
)

var (
	localePT = language.MustParse("pt-PT")
	localeEN = language.English

	supportedLocales = []language.Tag{localePT, localeEN}
	localeMatcher    = language.NewMatcher(supportedLocales)
)

// Message keys double as the English text.
const (
	msgInvalidCredentials = "Invalid email or password."
	msgEmailNotConfirmed  = "Please confirm your email before signing in."
	msgAlreadyRegistered  = "This email is already registered."
	msgWeakPassword       = "The password must be at least 8 characters long."
	msgInvalidEmail       = "Please enter a valid email address."
)

var messages = buildCatalog()

func buildCatalog() *catalog.Builder {
	b := catalog.NewBuilder(catalog.Fallback(localePT))
	entries := map[string]string{
		msgInvalidCredentials: "Email ou palavra-passe incorretos.",
		msgEmailNotConfirmed:  "Por favor confirme o seu email antes de iniciar sessão.",
		msgAlreadyRegistered:  "Este email já está registado.",
		msgWeakPassword:       "A palavra-passe deve ter pelo menos 8 caracteres.",
		msgInvalidEmail:       "Por favor introduza um email válido.",
	}
	for key, pt := range entries {
		_ = b.SetString(localePT, key, pt)
		_ = b.SetString(localeEN, key, key)
	}
	return b
}

// provider errors keyed by the raw text other clients may surface
var knownErrors = []struct {
	err     error
	pattern string
	key     string
}{
	{ErrInvalidCredentials, "invalid login credentials", msgInvalidCredentials},
	{ErrEmailNotConfirmed, "email not confirmed", msgEmailNotConfirmed},
	{ErrAlreadyRegistered, "user already registered", msgAlreadyRegistered},
	{ErrWeakPassword, "password should be at least", msgWeakPassword},
	{ErrWeakPassword, "password is too weak", msgWeakPassword},
	{ErrInvalidEmail, "unable to validate email address", msgInvalidEmail},
}

// MatchLocale picks the supported locale for an Accept-Language value.
// Portuguese is used when nothing matches.
func MatchLocale(acceptLanguage string) language.Tag {
	tags, _, err := language.ParseAcceptLanguage(acceptLanguage)
	if err != nil || len(tags) == 0 {
		return localePT
	}
	_, idx, confidence := localeMatcher.Match(tags...)
	if confidence == language.No {
		return localePT
	}
	return supportedLocales[idx]
}

// UserMessage maps a provider error to a localized message. Unrecognized
// errors pass through with their raw text.
func UserMessage(err error, locale language.Tag) string {
	if err == nil {
		return ""
	}
	lowered := strings.ToLower(err.Error())
	for _, known := range knownErrors {
		if errors.Is(err, known.err) || strings.Contains(lowered, known.pattern) {
			return message.NewPrinter(locale, message.Catalog(messages)).Sprintf(known.key)
		}
	}
	return err.Error()
}
