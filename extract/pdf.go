package extract

import (
	"bytes"
	"context"
	"os"
	"strings"

	"github.com/ledongthuc/pdf"

	"bridge.linelead.io/common"
)

var pdfMagic = []byte("%PDF-")

// ValidatePDF checks that the file at path is a PDF within the byte limit
// and returns its size and page count. Violations are KindInvalidInput.
func ValidatePDF(path string, maxBytes int64) (byteSize int64, pageCount int, err error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, 0, common.WrapError(common.KindInvalidInput, err, "stored file unreadable")
	}
	byteSize = info.Size()
	if byteSize == 0 {
		return byteSize, 0, common.NewError(common.KindInvalidInput, "empty file")
	}
	if maxBytes > 0 && byteSize > maxBytes {
		return byteSize, 0, common.NewError(common.KindInvalidInput, "file exceeds %d byte limit", maxBytes)
	}

	f, err := os.Open(path)
	if err != nil {
		return byteSize, 0, common.WrapError(common.KindInvalidInput, err, "stored file unreadable")
	}
	defer f.Close()

	magic := make([]byte, len(pdfMagic))
	if _, err := f.Read(magic); err != nil || !bytes.Equal(magic, pdfMagic) {
		return byteSize, 0, common.NewError(common.KindInvalidInput, "not a PDF document")
	}

	reader, err := pdf.NewReader(f, byteSize)
	if err != nil {
		return byteSize, 0, common.WrapError(common.KindInvalidInput, err, "unparseable PDF")
	}
	return byteSize, reader.NumPage(), nil
}

// PDFTextExtractor extracts page text directly from the PDF. It serves as
// the fallback when the external text extraction service is not configured.
type PDFTextExtractor struct{}

// ExtractText implements TextExtractor.
func (PDFTextExtractor) ExtractText(ctx context.Context, path string) ([]PageText, error) {
	f, reader, err := pdf.Open(path)
	if err != nil {
		return nil, common.WrapError(common.KindExtractionFailed, err, "failed to open PDF")
	}
	defer f.Close()

	var pages []PageText
	for i := 1; i <= reader.NumPage(); i++ {
		if err := ctx.Err(); err != nil {
			return nil, common.WrapError(common.KindCancelled, err, "text extraction cancelled")
		}
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			// A single unreadable page is not fatal; the completeness
			// check downstream accounts for pages without text.
			continue
		}
		if strings.TrimSpace(text) != "" {
			pages = append(pages, PageText{Page: i, Text: text})
		}
	}
	if len(pages) == 0 {
		return nil, common.NewError(common.KindExtractionFailed, "document produced no text")
	}
	return pages, nil
}

// JoinPages concatenates page text for consumers that want the whole
// document.
func JoinPages(pages []PageText) string {
	var sb strings.Builder
	for i, p := range pages {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(p.Text)
	}
	return sb.String()
}
