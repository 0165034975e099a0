package realtime

import "fmt"

// weakTranscription lists providers whose transcription quality on telephone
// audio is known weak enough that the spoken language must be pinned in the
// instructions themselves. For everyone else the language field only drives
// transcription hints and voice selection.
var weakTranscription = map[Name]bool{
	ProviderXAI: true,
}

// languageDirectives maps a language code to its native display name and a
// native-language directive. Both appear in the preamble so the model sees
// the instruction in English and in the target language.
var languageDirectives = map[string][2]string{
	"tr": {"Türkçe", "Tüm cevapları Türkçe ver."},
	"en": {"English", "Give every answer in English."},
	"de": {"Deutsch", "Gib alle Antworten auf Deutsch."},
	"es": {"Español", "Da todas las respuestas en español."},
	"fr": {"Français", "Donne toutes les réponses en français."},
}

// Instructions returns the system prompt to send to provider, prepending a
// bilingual language preamble only when the provider is on the weak
// transcription list and a language is set. It is a pure function; adapters
// call it once while building their session configuration.
func Instructions(provider Name, language, prompt string) string {
	if language == "" || !weakTranscription[provider] {
		return prompt
	}

	d, ok := languageDirectives[language]
	if !ok {
		d = [2]string{language, fmt.Sprintf("Give every answer in %s.", language)}
	}
	preamble := fmt.Sprintf("You will speak %s. %s", d[0], d[1])
	if prompt == "" {
		return preamble
	}
	return preamble + "\n\n" + prompt
}
