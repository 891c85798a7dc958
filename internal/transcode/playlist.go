package transcode

import (
	"bytes"
	"fmt"
)

// BuildMasterPlaylist renders the variant list for the bitrates that
// produced a rendition. BANDWIDTH is the peak rate in bits per second.
func BuildMasterPlaylist(bitrates []int) []byte {
	var b bytes.Buffer

	b.WriteString("#EXTM3U\n#EXT-X-VERSION:3\n\n")

	for _, bitrate := range bitrates {
		fmt.Fprintf(&b, "#EXT-X-STREAM-INF:BANDWIDTH=%d,CODECS=\"mp4a.40.2\"\n", bitrate*1000)
		fmt.Fprintf(&b, "%dk/playlist.m3u8\n\n", bitrate)
	}

	return b.Bytes()
}
