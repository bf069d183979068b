// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !no_netapp

package main

import _ "github.com/platformbuilds/storagebridge/internal/storage/netapp"
