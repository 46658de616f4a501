// Copyright 2025 SpeakBetter Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"

	"github.com/speakbetter/go-offsync/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
