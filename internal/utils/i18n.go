package utils

import "fmt"

// Bot strings sent to contributors. Keys are stable; values may carry
// fmt verbs filled by Tf.
var translations = map[string]map[string]string{
	"en": {
		"health.ok":           "ok",
		"greeting":            "Welcome to %s! Thank you for helping document this language.",
		"reprompt.empty":      "We did not receive an answer. Please try again.",
		"reprompt.modality":   "That was not the kind of answer we need. Please reply with %s.",
		"skipped":             "No problem, we will skip that one and move on.",
		"thanks":              "Thank you!",
		"completed":           "You have answered every question for now. Thank you! We will message you when there is more.",
		"followup.abandoned":  "Let's continue with the next question.",
		"validation.prompt":   "Please review: \"%s\"\nReply YES if it is correct or NO if it is not. You can add a comment after your answer.",
		"validation.reprompt": "Please reply YES or NO.",
		"validation.thanks":   "Thank you for your review.",
		"validation.skipped":  "We will pass this review to someone else.",
		"modality.text":       "a text message",
		"modality.voice":      "a voice note",
		"modality.image":      "a photo",
		"modality.either":     "a text message or a voice note",
		"modality.both":       "a text message, voice note or photo",
		"hint.voice":          "(A voice note is best.)",
	},
	"fr": {
		"health.ok":           "ok",
		"greeting":            "Bienvenue sur %s ! Merci d'aider à documenter cette langue.",
		"reprompt.empty":      "Nous n'avons pas reçu de réponse. Veuillez réessayer.",
		"reprompt.modality":   "Ce n'est pas le type de réponse attendu. Veuillez répondre avec %s.",
		"skipped":             "Pas de souci, nous passons à la question suivante.",
		"thanks":              "Merci !",
		"completed":           "Vous avez répondu à toutes les questions pour le moment. Merci !",
		"followup.abandoned":  "Passons à la question suivante.",
		"validation.prompt":   "Veuillez vérifier : « %s »\nRépondez OUI si c'est correct ou NON sinon. Vous pouvez ajouter un commentaire.",
		"validation.reprompt": "Veuillez répondre OUI ou NON.",
		"validation.thanks":   "Merci pour votre vérification.",
		"validation.skipped":  "Nous confierons cette vérification à quelqu'un d'autre.",
		"modality.text":       "un message texte",
		"modality.voice":      "un message vocal",
		"modality.image":      "une photo",
		"modality.either":     "un message texte ou vocal",
		"modality.both":       "un message texte, vocal ou une photo",
		"hint.voice":          "(Un message vocal est idéal.)",
	},
	"sw": {
		"health.ok":           "sawa",
		"greeting":            "Karibu %s! Asante kwa kusaidia kuhifadhi lugha hii.",
		"reprompt.empty":      "Hatukupokea jibu. Tafadhali jaribu tena.",
		"reprompt.modality":   "Hilo si aina ya jibu tunalohitaji. Tafadhali jibu kwa %s.",
		"skipped":             "Hakuna shida, tunaruka swali hilo na kuendelea.",
		"thanks":              "Asante!",
		"completed":           "Umejibu maswali yote kwa sasa. Asante!",
		"followup.abandoned":  "Tuendelee na swali linalofuata.",
		"validation.prompt":   "Tafadhali kagua: \"%s\"\nJibu NDIYO kama ni sahihi au HAPANA kama si sahihi.",
		"validation.reprompt": "Tafadhali jibu NDIYO au HAPANA.",
		"validation.thanks":   "Asante kwa ukaguzi wako.",
		"validation.skipped":  "Tutampa mtu mwingine ukaguzi huu.",
		"modality.text":       "ujumbe wa maandishi",
		"modality.voice":      "ujumbe wa sauti",
		"modality.image":      "picha",
		"modality.either":     "ujumbe wa maandishi au sauti",
		"modality.both":       "maandishi, sauti au picha",
		"hint.voice":          "(Ujumbe wa sauti ni bora zaidi.)",
	},
}

// SupportedLocales lists the locales with bot strings.
var SupportedLocales = []string{"en", "fr", "sw"}

// T returns the translated string for key in locale; falls back to English.
func T(locale, key string) string {
	if m, ok := translations[locale]; ok {
		if v, ok := m[key]; ok {
			return v
		}
	}
	if v, ok := translations["en"][key]; ok {
		return v
	}
	return key
}

// Tf formats the translated string with args.
func Tf(locale, key string, args ...any) string {
	return fmt.Sprintf(T(locale, key), args...)
}
