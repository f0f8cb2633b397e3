package discovery

import (
	"io"
	"path"
	"strings"
	"unicode/utf16"

	"github.com/bookwright/bookwright/internal/fsjail"
)

// ID3Hints are majority-vote tag values sampled from a unit's mp3 files.
// They seed the effective author/title step; the user always has the last
// word.
type ID3Hints struct {
	Artist string `json:"artist,omitempty"`
	Album  string `json:"album,omitempty"`
}

const id3SampleLimit = 5

// sampleID3 reads ID3v2 headers from up to id3SampleLimit mp3 files and
// returns the most common artist and album. Unreadable or untagged files
// are skipped silently.
func (en *Enricher) sampleID3(sourceRoot fsjail.Root, audioFiles []string) *ID3Hints {
	artists := map[string]int{}
	albums := map[string]int{}
	sampled := 0
	for _, rel := range audioFiles {
		if sampled >= id3SampleLimit {
			break
		}
		if strings.ToLower(path.Ext(rel)) != ".mp3" {
			continue
		}
		tag, err := en.readID3(sourceRoot, rel)
		if err != nil {
			continue
		}
		sampled++
		if tag.Artist != "" {
			artists[tag.Artist]++
		}
		if tag.Album != "" {
			albums[tag.Album]++
		}
	}
	hints := &ID3Hints{Artist: majority(artists), Album: majority(albums)}
	if hints.Artist == "" && hints.Album == "" {
		return nil
	}
	return hints
}

func majority(counts map[string]int) string {
	best, bestN := "", 0
	for v, n := range counts {
		if n > bestN || (n == bestN && v < best) {
			best, bestN = v, n
		}
	}
	return best
}

func (en *Enricher) readID3(root fsjail.Root, rel string) (*ID3Hints, error) {
	r, err := en.Jail.OpenRead(root, rel)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	header := make([]byte, 10)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	if string(header[:3]) != "ID3" {
		return &ID3Hints{}, nil
	}
	size := synchsafe(header[6:10])
	const maxTag = 1 << 20
	if size <= 0 || size > maxTag {
		return &ID3Hints{}, nil
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return parseFrames(body, header[3]), nil
}

// parseFrames walks ID3v2.3/2.4 frames looking for TPE1 (artist) and TALB
// (album). v2.4 sizes are synchsafe; v2.3 sizes are plain big-endian.
func parseFrames(body []byte, version byte) *ID3Hints {
	out := &ID3Hints{}
	pos := 0
	for pos+10 <= len(body) {
		id := string(body[pos : pos+4])
		if id[0] == 0 {
			break
		}
		var size int
		if version >= 4 {
			size = synchsafe(body[pos+4 : pos+8])
		} else {
			size = int(body[pos+4])<<24 | int(body[pos+5])<<16 | int(body[pos+6])<<8 | int(body[pos+7])
		}
		pos += 10
		if size <= 0 || pos+size > len(body) {
			break
		}
		switch id {
		case "TPE1":
			out.Artist = decodeText(body[pos : pos+size])
		case "TALB":
			out.Album = decodeText(body[pos : pos+size])
		}
		pos += size
	}
	return out
}

func decodeText(b []byte) string {
	if len(b) < 2 {
		return ""
	}
	enc, data := b[0], b[1:]
	switch enc {
	case 0, 3: // latin1 treated as-is for ASCII content; utf8
		return trimNul(string(data))
	case 1: // utf16 with BOM
		if len(data) < 2 || len(data)%2 != 0 {
			return ""
		}
		be := data[0] == 0xfe && data[1] == 0xff
		data = data[2:]
		u := make([]uint16, 0, len(data)/2)
		for i := 0; i+1 < len(data); i += 2 {
			if be {
				u = append(u, uint16(data[i])<<8|uint16(data[i+1]))
			} else {
				u = append(u, uint16(data[i+1])<<8|uint16(data[i]))
			}
		}
		return trimNul(string(utf16.Decode(u)))
	default:
		return ""
	}
}

func trimNul(s string) string {
	return strings.TrimSpace(strings.Trim(s, "\x00"))
}

func synchsafe(b []byte) int {
	if len(b) != 4 {
		return 0
	}
	return int(b[0]&0x7f)<<21 | int(b[1]&0x7f)<<14 | int(b[2]&0x7f)<<7 | int(b[3]&0x7f)
}
