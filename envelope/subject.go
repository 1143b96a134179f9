package envelope

import (
	"io"
	"log"
	"mime"

	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/encoding/simplifiedchinese"
)

// subjectDecoder decodes RFC 2047 encoded-words left undecoded by the
// header tokenizer, mirroring rfc5322's own mime.WordDecoder setup
// (golang.org/x/text/encoding/ianaindex + simplifiedchinese for the
// gb2312 charset lacking a MIME registration).
var subjectDecoder = &mime.WordDecoder{
	CharsetReader: func(charset string, input io.Reader) (io.Reader, error) {
		encoding, err := ianaindex.MIME.Encoding(charset)
		if err != nil {
			return nil, err
		}
		if encoding == nil {
			if charset == "gb2312" {
				encoding = simplifiedchinese.HZGB2312
			} else {
				log.Printf("envelope: no encoding for charset: %q", charset)
				return input, nil
			}
		}
		return encoding.NewDecoder().Reader(input), nil
	},
}

// DecodeSubjectCharset decodes any RFC 2047 encoded-words in raw that
// the MIME header tokenizer left encoded (e.g. because it only
// unfolds and splits headers, deferring charset decoding to the
// caller). On a decode failure the original raw string is returned
// unchanged, since a raw ENVELOPE subject is still usable for display
// and threading even if its charset could not be resolved.
func DecodeSubjectCharset(raw string) string {
	decoded, err := subjectDecoder.DecodeHeader(raw)
	if err != nil {
		return raw
	}
	return decoded
}
