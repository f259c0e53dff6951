// Copyright (C) 2021 Toitware ApS.
//
// This library is free software; you can redistribute it and/or
// modify it under the terms of the GNU Lesser General Public
// License as published by the Free Software Foundation; version
// 2.1 only.
//
// This library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Lesser General Public License for more details.
//
// The license can be found in the file `LICENSE` in the top level
// directory of this repository.

// Package download transfers files over HTTP with retries and progress
// reporting.
package download

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/toitlang/tprep/pkg/logging"
	"github.com/toitlang/tprep/pkg/retry"
)

const (
	// WebRequestTimeout bounds a single request, including the body transfer.
	WebRequestTimeout = 60 * time.Minute

	bufferSize = 16 * 1024
	userAgent  = "tprep"
)

// ErrNotFound is returned when the server reports 404.
// It is not retried.
var ErrNotFound = errors.New("not found")

// StatusError is returned for unsuccessful HTTP responses.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}

// Is makes a 404 StatusError match ErrNotFound.
func (e *StatusError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

// Client downloads files.
type Client struct {
	HTTP  *http.Client
	Retry retry.Policy
	Log   logrus.FieldLogger
}

// NewClient creates a client with the default retry policy.
func NewClient(log logrus.FieldLogger) *Client {
	policy := retry.Default
	policy.Log = log
	return &Client{
		HTTP:  &http.Client{Timeout: WebRequestTimeout},
		Retry: policy,
		Log:   log,
	}
}

func (c *Client) get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, &StatusError{URL: url, StatusCode: resp.StatusCode}
	}
	return resp, nil
}

// Size returns the size of the resource at url, as reported by the
// Content-Length header of a GET whose body is not read.
// The status code of the last response is returned as well; it is 0 if no
// response was received.
func (c *Client) Size(ctx context.Context, url string) (uint64, int, error) {
	var size uint64
	status := 0
	err := c.do(ctx, "GetDownloadSize "+url, func(ctx context.Context) error {
		resp, err := c.get(ctx, url)
		if err != nil {
			var se *StatusError
			if errors.As(err, &se) {
				status = se.StatusCode
			}
			return err
		}
		resp.Body.Close()
		status = resp.StatusCode
		if resp.ContentLength < 0 {
			return fmt.Errorf("%s: no content length", url)
		}
		size = uint64(resp.ContentLength)
		return nil
	})
	return size, status, err
}

// Download fetches url into target, reporting progress to status.
// The file is written to a temporary name next to target and renamed once
// complete. If sha256sum is not empty the content is verified against it.
func (c *Client) Download(ctx context.Context, url string, target string, sha256sum string, status *Status) error {
	if url == "" || target == "" {
		panic("download: url and target must not be empty")
	}
	if status == nil {
		panic("download: status must not be nil")
	}
	return c.do(ctx, "Download "+url, func(ctx context.Context) error {
		return c.download(ctx, url, target, sha256sum, status)
	})
}

// do retries fn unless it failed with ErrNotFound.
func (c *Client) do(ctx context.Context, what string, fn func(ctx context.Context) error) error {
	return c.Retry.Do(ctx, what, func(ctx context.Context) error {
		err := fn(ctx)
		if errors.Is(err, ErrNotFound) {
			return retry.Permanent(err)
		}
		return err
	})
}

func (c *Client) download(ctx context.Context, url string, target string, sha256sum string, status *Status) error {
	c.Log.Debugf("Downloading %s to %s", url, target)
	resp, err := c.get(ctx, url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("prepare download destination: %w", err)
	}
	tmpFile, err := os.CreateTemp(filepath.Dir(target), filepath.Base(target)+".*.part")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()
	defer os.Remove(tmpPath)

	if resp.ContentLength > 0 {
		status.SetTotalSize(uint64(resp.ContentLength))
	}
	hash := sha256.New()
	status.Start()
	if err := writeWithProgress(io.MultiWriter(tmpFile, hash), resp.Body, status); err != nil {
		tmpFile.Close()
		return fmt.Errorf("write %s: %w", tmpPath, err)
	}
	status.Finish()
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if sha256sum != "" {
		actual := hex.EncodeToString(hash.Sum(nil))
		if !strings.EqualFold(actual, sha256sum) {
			return fmt.Errorf("checksum mismatch for %s: expected %s, got %s", url, sha256sum, actual)
		}
	}
	if err := os.Rename(tmpPath, target); err != nil {
		return fmt.Errorf("finalize download: %w", err)
	}
	return nil
}

// VerifyFile reports whether the file at path exists and, if sha256sum is
// not empty, has that checksum.
func VerifyFile(path string, sha256sum string) (bool, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	defer f.Close()
	if sha256sum == "" {
		return true, nil
	}
	hash := sha256.New()
	if _, err := io.Copy(hash, f); err != nil {
		return false, err
	}
	return strings.EqualFold(hex.EncodeToString(hash.Sum(nil)), sha256sum), nil
}

func writeWithProgress(w io.Writer, r io.Reader, status *Status) error {
	buf := make([]byte, bufferSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			status.Update(uint64(n))
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// ProgressLogger returns a Status callback that logs the progress of name.
func ProgressLogger(log logrus.FieldLogger, name string) func(*Status) {
	return func(s *Status) {
		log.WithField("download", name).Info(s.String())
	}
}

// UpdateInterval returns the callback interval for the session.
func UpdateInterval() time.Duration {
	if logging.Interactive() {
		return DefaultUpdateInterval
	}
	return NonInteractiveUpdateInterval
}
