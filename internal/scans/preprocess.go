package scans

// preprocess.go infers required preprocessing from the uploaded file's
// extension. Uncompressed NIfTI images are gzipped before upload; zip bundles
// are passed through untouched and routed to the archive's import service;
// anything else is uploaded as-is.

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// PreprocessError is a terminal failure to prepare a file for upload. The
// content itself is at fault, so retrying the same bytes cannot help.
type PreprocessError struct {
	FileName string
	Err      error
}

func (e *PreprocessError) Error() string {
	return fmt.Sprintf("preprocess %s: %v", e.FileName, e.Err)
}

func (e *PreprocessError) Unwrap() error { return e.Err }

// preprocessFile classifies the incoming file by extension and returns the
// stream to upload plus whether the archive's import service should be used.
//
// The returned stream is always seekable so the upload client can rewind it
// between retry attempts. When gzip output is produced the original stream has
// been fully consumed; closing it stays with the caller.
func preprocessFile(file io.Reader, fileName string) (io.ReadSeekCloser, bool, error) {
	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".nii":
		out, err := gzipToTemp(file, fileName)
		if err != nil {
			return nil, false, err
		}
		return out, false, nil
	case ".zip":
		out, err := asSeekable(file, fileName)
		return out, true, err
	default:
		out, err := asSeekable(file, fileName)
		return out, false, err
	}
}

// gzipToTemp compresses the stream into a temporary file and returns it
// rewound to the start. The temp file is removed on close, and immediately if
// compression fails.
func gzipToTemp(file io.Reader, fileName string) (io.ReadSeekCloser, error) {
	tmp, err := os.CreateTemp("", "scan-*.nii.gz")
	if err != nil {
		return nil, &PreprocessError{FileName: fileName, Err: fmt.Errorf("create temp file: %w", err)}
	}

	zw := gzip.NewWriter(tmp)
	if _, err := io.Copy(zw, file); err != nil {
		zw.Close()
		discardTemp(tmp)
		return nil, &PreprocessError{FileName: fileName, Err: fmt.Errorf("compress: %w", err)}
	}
	if err := zw.Close(); err != nil {
		discardTemp(tmp)
		return nil, &PreprocessError{FileName: fileName, Err: fmt.Errorf("flush gzip stream: %w", err)}
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		discardTemp(tmp)
		return nil, &PreprocessError{FileName: fileName, Err: fmt.Errorf("rewind temp file: %w", err)}
	}
	return &tempFile{tmp}, nil
}

// asSeekable returns the input unchanged when it already supports seeking
// (multipart uploads do), and spools it to a temp file otherwise.
func asSeekable(file io.Reader, fileName string) (io.ReadSeekCloser, error) {
	if rs, ok := file.(io.ReadSeeker); ok {
		return &nopCloseSeeker{rs}, nil
	}

	tmp, err := os.CreateTemp("", "scan-*")
	if err != nil {
		return nil, &PreprocessError{FileName: fileName, Err: fmt.Errorf("create temp file: %w", err)}
	}
	if _, err := io.Copy(tmp, file); err != nil {
		discardTemp(tmp)
		return nil, &PreprocessError{FileName: fileName, Err: fmt.Errorf("spool: %w", err)}
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		discardTemp(tmp)
		return nil, &PreprocessError{FileName: fileName, Err: fmt.Errorf("rewind temp file: %w", err)}
	}
	return &tempFile{tmp}, nil
}

func discardTemp(f *os.File) {
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(name)
}

// tempFile removes the underlying file when closed.
type tempFile struct {
	*os.File
}

func (t *tempFile) Close() error {
	err := t.File.Close()
	if rmErr := os.Remove(t.File.Name()); err == nil {
		err = rmErr
	}
	return err
}

// nopCloseSeeker leaves closing the wrapped stream to its owner.
type nopCloseSeeker struct {
	io.ReadSeeker
}

func (nopCloseSeeker) Close() error { return nil }
