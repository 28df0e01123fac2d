package models

import "errors"

var (
	ErrDecode         = errors.New("image cannot be decoded")
	ErrStorageIO      = errors.New("storage i/o failure")
	ErrRenameConflict = errors.New("destination album directory already exists")
	ErrSlugTaken      = errors.New("album slug already in use")
	ErrPathTraversal  = errors.New("path resolves outside the import root")
	ErrInvalidSlug    = errors.New("invalid album slug")
	ErrNotFound       = errors.New("not found")
	ErrAlbumExpired   = errors.New("album has expired")
	ErrCancelled      = errors.New("export cancelled")
)
