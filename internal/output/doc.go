// Copyright IBM Corp. 2023, 2025
// SPDX-License-Identifier: MPL-2.0

// Package output writes extracted entries to a filesystem target without
// leaving the destination directory.
package output
