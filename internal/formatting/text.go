package formatting

import (
	"strings"
	"unicode/utf16"

	"github.com/PuerkitoBio/goquery"
)

// MaxCaptionLength is Telegram's limit for media captions, counted after
// markup is parsed.
const MaxCaptionLength = 1024

// VisibleText strips markup and decodes entities, leaving what the reader sees.
func VisibleText(markup string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return markup
	}
	return doc.Text()
}

// VisibleLength counts UTF-16 code units of the rendered text, which is how
// Telegram measures message and caption length.
func VisibleLength(markup string) int {
	return len(utf16.Encode([]rune(VisibleText(markup))))
}

// FitsCaption reports whether markup can be sent as an audio caption.
func FitsCaption(markup string) bool {
	return VisibleLength(markup) <= MaxCaptionLength
}

// Summary flattens a rendered notification to one line for audit storage.
func Summary(markup string) string {
	return strings.Join(strings.Fields(VisibleText(markup)), " ")
}
