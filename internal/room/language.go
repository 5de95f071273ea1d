package room

import "strings"

// Language tag of a file
type Language string

const (
	LanguageJavaScript Language = "javascript"
	LanguageHTML       Language = "html"
	LanguageCSS        Language = "css"
	LanguagePython     Language = "python"
	LanguageJSON       Language = "json"
	LanguagePlain      Language = "plain"
)

var extensions = map[Language]string{
	LanguageJavaScript: ".js",
	LanguageHTML:       ".html",
	LanguageCSS:        ".css",
	LanguagePython:     ".py",
	LanguageJSON:       ".json",
}

// Maps an arbitrary tag onto a known language, defaulting to plain
func ParseLanguage(tag string) Language {
	lang := Language(strings.ToLower(strings.TrimSpace(tag)))
	if _, ok := extensions[lang]; ok {
		return lang
	}
	return LanguagePlain
}

// File extension used for downloads
func (l Language) Extension() string {
	if ext, ok := extensions[l]; ok {
		return ext
	}
	return ".txt"
}

// Builds the downloaded filename for a file. A name that already ends with
// the language extension is kept as is.
func DownloadName(name string, lang Language) string {
	ext := lang.Extension()
	if name == "" {
		name = "untitled"
	}
	if strings.HasSuffix(strings.ToLower(name), ext) {
		return name
	}
	return name + ext
}
