package syncerr

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRemoteIO(t *testing.T) {
	assert.NoError(t, RemoteIO("upload", "/a", nil))
	assert.Same(t, ErrNotFound, RemoteIO("delete", "/a", ErrNotFound))

	err := RemoteIO("upload", "/remote/a.txt", io.ErrUnexpectedEOF)
	assert.True(t, IsRemoteIO(err))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.Equal(t, "upload /remote/a.txt: unexpected EOF", err.Error())

	// already wrapped errors are not wrapped twice
	again := RemoteIO("mkdir", "/remote", err)
	assert.Same(t, err, again)
}

func TestConnectError(t *testing.T) {
	cause := errors.New("auth failed")
	err := fmt.Errorf("connect: %w", &ConnectError{Protocol: "sftp", Addr: "example.com:22", Err: cause})

	assert.True(t, IsConnect(err))
	assert.False(t, IsRemoteIO(err))
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "sftp connect example.com:22")
}

func TestConfigErrors(t *testing.T) {
	errs := ConfigErrors{
		{Field: "host", Reason: "required"},
		{Field: "protocol", Reason: `unsupported "http"`},
	}

	assert.True(t, IsConfig(errs))
	assert.Equal(t, `invalid config "host": required; invalid config "protocol": unsupported "http"`, errs.Error())

	var ce *ConfigError
	assert.True(t, errors.As(error(errs), &ce))
	assert.Equal(t, "host", ce.Field)
}
