package fixture

import (
	"io"
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/p11fixture/metricskey"
	"github.com/effective-security/p11fixture/tokenerr"
	"github.com/effective-security/xlog"
	"github.com/miekg/pkcs11"
)

// DigestShortMessage digests the configured short message in a single part
func (f *TokenFixture) DigestShortMessage(mech []*pkcs11.Mechanism) ([]byte, error) {
	msg := f.cfg.Digest.ShortMessage
	logger.KV(xlog.DEBUG, "slot", f.slotID, "status", "digest_short", "message", msg)
	return f.Digest(mech, []byte(msg))
}

// Digest digests data in a single part
func (f *TokenFixture) Digest(mech []*pkcs11.Mechanism, data []byte) ([]byte, error) {
	defer metricskey.PerfFixtureOperation.MeasureSince(time.Now(), f.slotTag, "digest")

	if err := f.requireSession(); err != nil {
		return nil, err
	}
	if err := f.module.DigestInit(f.session, mech); err != nil {
		return nil, f.failed("digest",
			tokenerr.Mark(tokenerr.DigestError, err, "could not init digest algorithm"))
	}
	hash, err := f.module.Digest(f.session, data)
	if err != nil {
		return nil, f.failed("digest",
			tokenerr.Mark(tokenerr.DigestError, err, "could not create hash of message"))
	}

	logger.KV(xlog.DEBUG, "slot", f.slotID, "status", "digest", "size", len(data), "hash_len", len(hash))
	return hash, nil
}

// DigestLongMessage digests the file in chunks of the configured buffer size.
// If file is empty, the configured long message file is used.
func (f *TokenFixture) DigestLongMessage(mech []*pkcs11.Mechanism, file string) ([]byte, error) {
	if file == "" {
		file = f.cfg.Digest.LongMessageFile
	}
	if err := f.requireSession(); err != nil {
		return nil, err
	}

	fs, err := os.Open(file)
	if err != nil {
		return nil, f.failed("digest_long",
			tokenerr.Markf(tokenerr.IOError, err, "could not open file %q for reading", file))
	}
	defer fs.Close()

	logger.KV(xlog.DEBUG, "slot", f.slotID, "status", "digest_long", "file", file)
	return f.DigestReader(mech, fs)
}

// DigestReader digests the reader content in chunks of the configured
// buffer size. Chunks are fed to the token sequentially, in read order,
// until the end of the stream.
func (f *TokenFixture) DigestReader(mech []*pkcs11.Mechanism, r io.Reader) ([]byte, error) {
	defer metricskey.PerfFixtureOperation.MeasureSince(time.Now(), f.slotTag, "digest_multipart")

	if err := f.requireSession(); err != nil {
		return nil, err
	}
	size := f.cfg.Digest.BufferSize
	if size < 1 {
		return nil, f.failed("digest_multipart",
			tokenerr.Markf(tokenerr.InvalidFormatError, nil, "invalid buffer size: %d", size))
	}
	if err := f.module.DigestInit(f.session, mech); err != nil {
		return nil, f.failed("digest_multipart",
			tokenerr.Mark(tokenerr.DigestError, err, "could not init digest algorithm"))
	}

	buf := make([]byte, size)
	total := 0
	for {
		n, rerr := io.ReadFull(r, buf)
		if n > 0 {
			if err := f.module.DigestUpdate(f.session, buf[:n]); err != nil {
				f.abortDigest()
				return nil, f.failed("digest_multipart",
					tokenerr.Mark(tokenerr.DigestError, err, "error while calling DigestUpdate"))
			}
			total += n
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
		if rerr != nil {
			f.abortDigest()
			return nil, f.failed("digest_multipart",
				tokenerr.Mark(tokenerr.IOError, errors.WithStack(rerr), "could not read message"))
		}
	}

	hash, err := f.module.DigestFinal(f.session)
	if err != nil {
		return nil, f.failed("digest_multipart",
			tokenerr.Mark(tokenerr.DigestError, err, "could not finish digest"))
	}

	logger.KV(xlog.DEBUG, "slot", f.slotID, "status", "digest_multipart", "size", total, "hash_len", len(hash))
	return hash, nil
}

// abortDigest terminates an active digest operation,
// so the session can start a new one
func (f *TokenFixture) abortDigest() {
	if _, err := f.module.DigestFinal(f.session); err != nil {
		logger.KV(xlog.DEBUG, "slot", f.slotID, "action", "abort_digest", "err", err.Error())
	}
}
