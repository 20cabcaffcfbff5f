package middleware

import (
	"context"
	"net/http"

	"github.com/soaringjerry/Elicit/internal/utils"
)

type localeKey struct{}

// Locale resolves the reply language from ?lang= or Accept-Language against
// the bot locales, falling back to def, and echoes it as Content-Language.
func Locale(def string) func(http.Handler) http.Handler {
	def = utils.BotLocale(def)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			lang := utils.DetermineLocale(r.URL.Query().Get("lang"), r.Header.Get("Accept-Language"), utils.SupportedLocales, def)
			w.Header().Set("Content-Language", lang)
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), localeKey{}, lang)))
		})
	}
}

// LocaleFromContext returns the language chosen by Locale, or English.
func LocaleFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(localeKey{}).(string); ok {
		return s
	}
	return "en"
}
