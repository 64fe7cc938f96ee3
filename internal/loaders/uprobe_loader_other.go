//go:build !(linux && amd64)

package loaders

import (
	"context"
	"errors"
)

type UprobeLoader struct{}

func NewUprobeLoader(opts Options) (*UprobeLoader, error) {
	return nil, errors.New("uprobe loader needs linux on amd64")
}

func (*UprobeLoader) Close() error { return nil }

func (*UprobeLoader) Run(context.Context) error { return nil }
