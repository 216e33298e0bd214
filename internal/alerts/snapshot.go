package alerts

import (
	"encoding/base64"
	"errors"
	"net/http"
	"strings"
)

// decodeSnapshot aceita base64 puro ou data URI (data:image/jpeg;base64,...).
func decodeSnapshot(s string) ([]byte, string, error) {
	s = strings.TrimSpace(s)
	contentType := ""
	if strings.HasPrefix(s, "data:") {
		comma := strings.IndexByte(s, ',')
		if comma < 0 {
			return nil, "", errors.New("data URI sem vírgula")
		}
		meta := s[len("data:"):comma]
		contentType = strings.TrimSuffix(meta, ";base64")
		s = s[comma+1:]
	}

	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		// alguns produtores mandam sem padding
		if d, err2 := base64.RawStdEncoding.DecodeString(s); err2 == nil {
			data, err = d, nil
		}
	}
	if err != nil {
		return nil, "", err
	}
	if len(data) == 0 {
		return nil, "", errors.New("snapshot vazio")
	}
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	return data, contentType, nil
}
