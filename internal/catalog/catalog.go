// Package catalog holds the voice, alias and model tables and the request
// validation built on them. The tables are read-only after init.
package catalog

import (
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/loqalabs/loqa-tts/internal/audio"
)

const (
	MinSpeed = 0.25
	MaxSpeed = 4.0

	// ModelsCreated is the creation timestamp reported for every model.
	ModelsCreated = 1704067200
	ModelOwner    = "kokoro"
)

// Error is a validation failure tied to a request field.
type Error struct {
	Param   string
	Message string
}

func (e *Error) Error() string { return e.Message }

type Voice struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	PreviewURL *string `json:"preview_url"`
}

type Model struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

type alias struct {
	name   string
	target string
}

var voices = []Voice{
	{ID: "af_alloy", Name: "Alloy (Female, American)"},
	{ID: "af_heart", Name: "Heart (Female, American)"},
	{ID: "af_nicole", Name: "Nicole (Female, American)"},
	{ID: "af_nova", Name: "Nova (Female, American)"},
	{ID: "af_river", Name: "River (Female, American)"},
	{ID: "af_sarah", Name: "Sarah (Female, American)"},
	{ID: "af_shimmer", Name: "Shimmer (Female, American)"},
	{ID: "am_adam", Name: "Adam (Male, American)"},
	{ID: "am_echo", Name: "Echo (Male, American)"},
	{ID: "am_eric", Name: "Eric (Male, American)"},
	{ID: "am_fenrir", Name: "Fenrir (Male, American)"},
	{ID: "am_liam", Name: "Liam (Male, American)"},
	{ID: "am_michael", Name: "Michael (Male, American)"},
	{ID: "am_onyx", Name: "Onyx (Male, American)"},
	{ID: "am_puck", Name: "Puck (Male, American)"},
	{ID: "am_santa", Name: "Santa (Male, American)"},
	{ID: "bf_alice", Name: "Alice (Female, British)"},
	{ID: "bf_emma", Name: "Emma (Female, British)"},
	{ID: "bf_lily", Name: "Lily (Female, British)"},
	{ID: "bm_daniel", Name: "Daniel (Male, British)"},
	{ID: "bm_fable", Name: "Fable (Male, British)"},
	{ID: "bm_george", Name: "George (Male, British)"},
	{ID: "bm_lewis", Name: "Lewis (Male, British)"},
	{ID: "jf_alpha", Name: "Alpha (Female, Japanese)"},
	{ID: "jf_gongitsune", Name: "Gongitsune (Female, Japanese)"},
	{ID: "jf_nezumi", Name: "Nezumi (Female, Japanese)"},
	{ID: "jf_tebukuro", Name: "Tebukuro (Female, Japanese)"},
	{ID: "jm_kumo", Name: "Kumo (Male, Japanese)"},
	{ID: "zf_xiaobei", Name: "Xiaobei (Female, Chinese)"},
	{ID: "zf_xiaoni", Name: "Xiaoni (Female, Chinese)"},
	{ID: "zf_xiaoxiao", Name: "Xiaoxiao (Female, Chinese)"},
	{ID: "zf_yunjian", Name: "Yunjian (Female, Chinese)"},
	{ID: "zf_yunxia", Name: "Yunxia (Female, Chinese)"},
	{ID: "zf_yunxi", Name: "Yunxi (Female, Chinese)"},
	{ID: "zm_yunjian", Name: "Yunjian (Male, Chinese)"},
	{ID: "ef_dora", Name: "Dora (Female, Spanish)"},
	{ID: "em_alex", Name: "Alex (Male, Spanish)"},
	{ID: "em_santa", Name: "Santa (Male, Spanish)"},
	{ID: "ff_siwis", Name: "Siwis (Female, French)"},
	{ID: "hf_alpha", Name: "Alpha (Female, Hindi)"},
	{ID: "hf_beta", Name: "Beta (Female, Hindi)"},
	{ID: "hm_omega", Name: "Omega (Male, Hindi)"},
	{ID: "hm_psi", Name: "Psi (Male, Hindi)"},
	{ID: "if_sara", Name: "Sara (Female, Italian)"},
	{ID: "im_nicola", Name: "Nicola (Male, Italian)"},
	{ID: "pf_dora", Name: "Dora (Female, Portuguese)"},
	{ID: "pm_alex", Name: "Alex (Male, Portuguese)"},
	{ID: "pm_santa", Name: "Santa (Male, Portuguese)"},
}

// OpenAI voice names mapped onto engine voices.
var aliases = []alias{
	{"alloy", "af_alloy"},
	{"echo", "am_echo"},
	{"fable", "bm_fable"},
	{"nova", "af_nova"},
	{"onyx", "am_onyx"},
	{"shimmer", "af_shimmer"},
	{"ash", "am_adam"},
	{"ballad", "am_michael"},
	{"verse", "am_eric"},
	{"cedar", "am_liam"},
	{"coral", "af_nicole"},
	{"sage", "af_sarah"},
	{"marin", "af_river"},
}

var listedModels = []string{"tts-1", "tts-1-hd", "kokoro", "gpt-4o-mini-tts"}

// acceptedModels is the subset of listedModels a speech request may name.
var acceptedModels = map[string]struct{}{
	"tts-1":  {},
	"kokoro": {},
}

var (
	voiceIndex = func() map[string]struct{} {
		m := make(map[string]struct{}, len(voices))
		for _, v := range voices {
			m[v.ID] = struct{}{}
		}
		return m
	}()
	aliasIndex = func() map[string]string {
		m := make(map[string]string, len(aliases))
		for _, a := range aliases {
			m[a.name] = a.target
		}
		return m
	}()
)

// Voices returns the engine voices.
func Voices() []Voice {
	return append([]Voice(nil), voices...)
}

// VoicesWithAliases returns the engine voices followed by an entry for each
// alias whose name is not already a voice id.
func VoicesWithAliases() []Voice {
	out := Voices()
	for _, a := range aliases {
		if _, ok := voiceIndex[a.name]; ok {
			continue
		}
		out = append(out, Voice{ID: a.name, Name: fmt.Sprintf("%s (OpenAI alias for %s)", a.name, a.target)})
	}
	return out
}

// Models returns the OpenAI model list.
func Models() []Model {
	out := make([]Model, 0, len(listedModels))
	for _, id := range listedModels {
		out = append(out, Model{ID: id, Object: "model", Created: ModelsCreated, OwnedBy: ModelOwner})
	}
	return out
}

func ValidateModel(model string) error {
	if _, ok := acceptedModels[model]; ok {
		return nil
	}
	return &Error{Param: "model", Message: fmt.Sprintf("Model '%s' not found", model)}
}

// ValidateInput checks the text is present and at most maxChars runes.
func ValidateInput(input string, maxChars int) error {
	if input == "" {
		return &Error{Message: "Input text cannot be empty"}
	}
	if utf8.RuneCountInString(input) > maxChars {
		return &Error{Message: fmt.Sprintf("Input text exceeds maximum length of %d characters", maxChars)}
	}
	return nil
}

// ValidateFormat normalizes the response format. mp3 and opus are known
// OpenAI formats but cannot be produced here.
func ValidateFormat(format string) (audio.Format, error) {
	switch f := audio.Format(strings.ToLower(format)); f {
	case audio.FormatWAV, audio.FormatPCM:
		return f, nil
	default:
		return "", &Error{
			Param:   "response_format",
			Message: fmt.Sprintf("Response format '%s' not supported. Supported formats: wav, pcm", format),
		}
	}
}

// ValidateVoice resolves aliases case-insensitively and returns the engine
// voice id.
func ValidateVoice(voice string) (string, error) {
	resolved := voice
	if target, ok := aliasIndex[strings.ToLower(voice)]; ok {
		resolved = target
	}
	if _, ok := voiceIndex[resolved]; ok {
		return resolved, nil
	}
	return "", &Error{Param: "voice", Message: fmt.Sprintf("Voice '%s' not found", voice)}
}

func ValidateSpeed(speed float32) error {
	s := float64(speed)
	if math.IsNaN(s) || math.IsInf(s, 0) {
		return &Error{Param: "speed", Message: "Speed must be a finite number"}
	}
	if s < MinSpeed || s > MaxSpeed {
		return &Error{Param: "speed", Message: fmt.Sprintf("Speed must be between %g and %g, got %g", MinSpeed, MaxSpeed, s)}
	}
	return nil
}
