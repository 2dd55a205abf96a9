package feed

import "bytes"

// LineTokenizer splits a byte stream arriving in arbitrary network-sized
// chunks into discrete newline-terminated records. A trailing partial
// record is buffered and prefixed to the next chunk.
//
// Blank records (heartbeat keep-alives) are passed through unchanged;
// filtering them is the caller's job.
type LineTokenizer struct {
	partial []byte
}

// Feed accepts one chunk and returns the complete records extracted so
// far, without their line terminators. A chunk may close zero, one, or
// many records.
func (t *LineTokenizer) Feed(chunk []byte) [][]byte {
	if len(chunk) == 0 {
		return nil
	}

	data := chunk
	if len(t.partial) > 0 {
		data = append(t.partial, chunk...)
		t.partial = nil
	}

	var records [][]byte
	for {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		line := data[:i]
		// CouchDB terminates rows with \n; tolerate \r\n anyway.
		line = bytes.TrimSuffix(line, []byte{'\r'})
		records = append(records, append([]byte(nil), line...))
		data = data[i+1:]
	}

	if len(data) > 0 {
		t.partial = append([]byte(nil), data...)
	}
	return records
}

// Pending reports whether an unterminated record is buffered.
func (t *LineTokenizer) Pending() bool {
	return len(t.partial) > 0
}

// Reset drops any buffered partial record. Called when a connection is
// torn down so a half-received row never bleeds into the next stream.
func (t *LineTokenizer) Reset() {
	t.partial = nil
}
