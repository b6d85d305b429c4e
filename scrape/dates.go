package scrape

import (
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/goodsign/monday"
)

// localeAliases maps the short locale codes accepted in source settings to
// the full codes the layout parser understands. Full codes pass through.
var localeAliases = map[string]monday.Locale{
	"en": monday.LocaleEnUS,
	"ru": monday.LocaleRuRU,
	"de": monday.LocaleDeDE,
	"fr": monday.LocaleFrFR,
	"es": monday.LocaleEsES,
	"it": monday.LocaleItIT,
	"pt": monday.LocalePtPT,
	"nl": monday.LocaleNlNL,
	"pl": monday.LocalePlPL,
	"uk": monday.LocaleUkUA,
	"tr": monday.LocaleTrTR,
	"ja": monday.LocaleJaJP,
	"zh": monday.LocaleZhCN,
}

// parseDate parses a publish date scraped from a page. With a configured
// layout it parses strictly, localized when a locale is set; without one it
// falls back to fuzzy parsing.
func parseDate(text, layout, locale string) (time.Time, error) {
	text = strings.TrimSpace(text)

	if layout == "" {
		return dateparse.ParseIn(text, time.UTC)
	}

	if locale == "" {
		return time.ParseInLocation(layout, text, time.UTC)
	}

	return monday.ParseInLocation(layout, text, time.UTC, resolveLocale(locale))
}

func resolveLocale(locale string) monday.Locale {
	if alias, ok := localeAliases[strings.ToLower(locale)]; ok {
		return alias
	}
	if strings.Contains(locale, "_") {
		return monday.Locale(locale)
	}
	return monday.LocaleEnUS
}
