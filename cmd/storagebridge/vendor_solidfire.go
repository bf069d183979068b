// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !no_solidfire

package main

import _ "github.com/platformbuilds/storagebridge/internal/storage/solidfire"
