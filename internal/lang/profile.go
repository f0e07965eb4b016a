// Package lang holds the static language tables used when translating a book:
// human readable names for prompts, writing direction, and preferred fonts.
package lang

import (
	"sort"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/language/display"
)

// Auto is the source language value that asks the model to infer the language.
const Auto = "auto"

type Direction string

const (
	LTR Direction = "ltr"
	RTL Direction = "rtl"
)

// Profile is the layout policy applied to a book translated into a language.
type Profile struct {
	Code      string
	Name      string
	Direction Direction
	Fonts     []string
}

func (p Profile) IsRTL() bool {
	return p.Direction == RTL
}

var defaultFonts = []string{"Noto Sans", "Arial", "sans-serif"}

var names = map[string]string{
	"en": "English",
	"es": "Spanish",
	"fr": "French",
	"de": "German",
	"it": "Italian",
	"pt": "Portuguese",
	"ru": "Russian",
	"ja": "Japanese",
	"ko": "Korean",
	"zh": "Chinese",
	"ar": "Arabic",
	"fa": "Persian",
	"he": "Hebrew",
	"hi": "Hindi",
	"tr": "Turkish",
	"pl": "Polish",
	"nl": "Dutch",
	"sv": "Swedish",
	"da": "Danish",
	"no": "Norwegian",
	"fi": "Finnish",
	"cs": "Czech",
	"hu": "Hungarian",
	"ro": "Romanian",
	"el": "Greek",
	"th": "Thai",
	"vi": "Vietnamese",
	"id": "Indonesian",
	"ms": "Malay",
	"uk": "Ukrainian",
	"ur": "Urdu",
	"yi": "Yiddish",
	"ku": "Kurdish",
	"ps": "Pashto",
	"sd": "Sindhi",
	"ug": "Uyghur",
}

var rtlLanguages = map[string]bool{
	"ar": true, // Arabic
	"fa": true, // Persian/Farsi
	"he": true, // Hebrew
	"iw": true, // Hebrew (legacy code)
	"ur": true, // Urdu
	"yi": true, // Yiddish
	"ji": true, // Yiddish (legacy code)
	"ku": true, // Kurdish
	"ps": true, // Pashto
	"sd": true, // Sindhi
	"ug": true, // Uyghur
}

var fonts = map[string][]string{
	"zh": {"Noto Sans SC", "Microsoft YaHei", "SimSun", "sans-serif"},
	"ja": {"Noto Sans JP", "Yu Gothic", "MS Gothic", "sans-serif"},
	"ko": {"Noto Sans KR", "Malgun Gothic", "sans-serif"},
	"ar": {"Noto Sans Arabic", "Arabic UI Text", "Tahoma", "Arial", "sans-serif"},
	"fa": {"Vazirmatn", "Noto Sans Arabic", "B Nazanin", "Tahoma", "Arial", "sans-serif"},
	"he": {"Noto Sans Hebrew", "Hebrew UI Text", "David", "Tahoma", "Arial", "sans-serif"},
	"ur": {"Noto Nastaliq Urdu", "Noto Sans Arabic", "Tahoma", "sans-serif"},
	"th": {"Noto Sans Thai", "Leelawadee", "sans-serif"},
	"hi": {"Noto Sans Devanagari", "Mangal", "sans-serif"},
	"ru": {"Noto Sans", "Arial", "sans-serif"},
}

var genericFamilies = map[string]bool{
	"serif":      true,
	"sans-serif": true,
	"monospace":  true,
	"cursive":    true,
	"fantasy":    true,
	"system-ui":  true,
}

// Normalize reduces a language tag such as "zh-CN" or "ZH_hans" to its base
// ISO 639 code. It returns "" for an empty input and Auto for "auto".
func Normalize(code string) string {
	code = strings.ToLower(strings.TrimSpace(code))
	if code == "" || code == Auto {
		return code
	}
	code = strings.ReplaceAll(code, "_", "-")

	tag, err := language.Parse(code)
	if err != nil {
		if i := strings.IndexByte(code, '-'); i > 0 {
			return code[:i]
		}
		return code
	}
	base, _ := tag.Base()
	return base.String()
}

// Resolve returns the profile for a language code. Unknown codes get a
// left-to-right profile with the default sans-serif font list.
func Resolve(code string) Profile {
	normalized := Normalize(code)

	profile := Profile{
		Code:      normalized,
		Name:      Name(normalized),
		Direction: LTR,
		Fonts:     defaultFonts,
	}
	// x/text canonicalizes legacy codes, so check the raw base as well
	if rtlLanguages[normalized] || rtlLanguages[rawBase(code)] {
		profile.Direction = RTL
	}
	if f, ok := fonts[normalized]; ok {
		profile.Fonts = f
	}

	profile.Fonts = append([]string(nil), profile.Fonts...)
	return profile
}

// Name returns the English name of a language, e.g. "zh" -> "Chinese".
func Name(code string) string {
	normalized := Normalize(code)
	if name, ok := names[normalized]; ok {
		return name
	}

	if tag, err := language.Parse(normalized); err == nil {
		if name := display.English.Languages().Name(tag); name != "" {
			return name
		}
	}

	return code
}

// Supported lists the codes offered to users, sorted.
func Supported() []string {
	codes := make([]string, 0, len(names))
	for code := range names {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

// FontFamilyCSS renders a font list as a CSS font-family value.
func FontFamilyCSS(families []string) string {
	quoted := make([]string, 0, len(families))
	for _, family := range families {
		family = strings.TrimSpace(family)
		if family == "" {
			continue
		}
		if genericFamilies[family] || !strings.ContainsAny(family, " \t") {
			quoted = append(quoted, family)
			continue
		}
		quoted = append(quoted, "'"+family+"'")
	}
	return strings.Join(quoted, ", ")
}

func rawBase(code string) string {
	code = strings.ToLower(strings.TrimSpace(code))
	if i := strings.IndexAny(code, "-_"); i > 0 {
		return code[:i]
	}
	return code
}
