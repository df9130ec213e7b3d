// Copyright (C) The Seqlens Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import "github.com/seqlens/seqlens"

func main() {
	seqlens.Main()
}
