package main

import (
	"bufio"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/pion/webrtc/v4"
)

// encode JSON-encodes and base64s a SessionDescription for copy-paste
// signalling.
func encode(desc webrtc.SessionDescription) (string, error) {
	b, err := json.Marshal(desc)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

func decode(in string) (webrtc.SessionDescription, error) {
	var desc webrtc.SessionDescription
	b, err := base64.StdEncoding.DecodeString(strings.TrimSpace(in))
	if err != nil {
		return desc, fmt.Errorf("description is not base64: %w", err)
	}
	if err := json.Unmarshal(b, &desc); err != nil {
		return desc, fmt.Errorf("description is not JSON: %w", err)
	}
	return desc, nil
}

// readDescription reads one encoded description per line, skipping blanks.
func readDescription(r *bufio.Reader) (webrtc.SessionDescription, error) {
	for {
		line, err := r.ReadString('\n')
		if strings.TrimSpace(line) != "" {
			return decode(line)
		}
		if err == io.EOF {
			return webrtc.SessionDescription{}, io.ErrUnexpectedEOF
		}
		if err != nil {
			return webrtc.SessionDescription{}, err
		}
	}
}
