package bridge

import (
	"bufio"
	"io"
	"strings"
)

// frame is one Server-Sent Event as read off the wire.
type frame struct {
	ID    string
	HasID bool
	Event string
	Data  string
}

// frameReader parses Server-Sent Events. Comment lines and unknown fields are
// ignored; multiple data lines are joined with newlines.
type frameReader struct {
	reader *bufio.Reader
}

func newFrameReader(r io.Reader) *frameReader {
	return &frameReader{reader: bufio.NewReaderSize(r, 64*1024)}
}

// Next returns the next frame. A frame cut off by EOF is discarded, since a
// dispatch requires the terminating blank line.
func (fr *frameReader) Next() (frame, error) {
	var (
		cur       frame
		dataLines []string
		seen      bool
	)
	for {
		line, err := fr.reader.ReadString('\n')
		if err != nil {
			if err == io.EOF && line != "" {
				err = io.ErrUnexpectedEOF
			}
			return frame{}, err
		}
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if !seen {
				continue
			}
			cur.Data = strings.Join(dataLines, "\n")
			return cur, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, hasColon := strings.Cut(line, ":")
		if hasColon {
			value = strings.TrimPrefix(value, " ")
		} else {
			field = line
			value = ""
		}

		switch field {
		case "data":
			dataLines = append(dataLines, value)
			seen = true
		case "event":
			cur.Event = value
			seen = true
		case "id":
			cur.ID = value
			cur.HasID = true
			seen = true
		}
	}
}
