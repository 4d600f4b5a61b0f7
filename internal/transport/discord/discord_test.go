// Copyright (C) 2025 The chatdrive Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package discord

import (
	"io"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
)

func TestFromDiscordMessageCarriesAttachments(t *testing.T) {
	edited := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	m := &discordgo.Message{
		ID:              "123",
		ChannelID:       "456",
		Content:         "hello",
		EditedTimestamp: &edited,
		Attachments: []*discordgo.MessageAttachment{
			{URL: "https://cdn.example/a.bin", Filename: "a.bin", Size: 42},
		},
	}

	got := fromDiscordMessage(m, true)
	if got.ID != "123" || got.ChannelID != "456" || got.Content != "hello" {
		t.Errorf("got = %+v", got)
	}
	if !got.Pinned {
		t.Error("expected Pinned = true")
	}
	if !got.EditedAt.Equal(edited) {
		t.Errorf("EditedAt = %v, want %v", got.EditedAt, edited)
	}
	if len(got.Attachments) != 1 || got.Attachments[0].Size != 42 {
		t.Errorf("Attachments = %+v", got.Attachments)
	}
}

func TestToDiscordFilesDefaultsNames(t *testing.T) {
	readers := []io.Reader{strings.NewReader("a"), strings.NewReader("b")}
	files := toDiscordFiles(readers, []string{"custom.bin"})

	if len(files) != 2 {
		t.Fatalf("len(files) = %d, want 2", len(files))
	}
	if files[0].Name != "custom.bin" {
		t.Errorf("files[0].Name = %q, want custom.bin", files[0].Name)
	}
	if files[1].Name != "chunk-1.bin" {
		t.Errorf("files[1].Name = %q, want chunk-1.bin", files[1].Name)
	}
}

func TestIsRateLimit(t *testing.T) {
	if isRateLimit(nil) {
		t.Error("nil error should not be a rate limit")
	}
}

func TestBotPermissionsGrantFullMessageControl(t *testing.T) {
	allow, deny := botPermissions()
	want := discordgo.PermissionManageMessages |
		discordgo.PermissionViewChannel |
		discordgo.PermissionSendMessages |
		discordgo.PermissionAttachFiles |
		discordgo.PermissionReadMessageHistory |
		discordgo.PermissionAddReactions
	if allow != want {
		t.Errorf("allow = %d, want %d", allow, want)
	}
	if deny != 0 {
		t.Errorf("deny = %d, want 0", deny)
	}
}

func TestEveryonePermissionsAreViewAndReactOnly(t *testing.T) {
	allow, deny := everyonePermissions()
	wantAllow := discordgo.PermissionViewChannel | discordgo.PermissionAddReactions
	wantDeny := discordgo.PermissionManageMessages |
		discordgo.PermissionSendMessages |
		discordgo.PermissionAttachFiles |
		discordgo.PermissionReadMessageHistory
	if allow != wantAllow {
		t.Errorf("allow = %d, want %d", allow, wantAllow)
	}
	if deny != wantDeny {
		t.Errorf("deny = %d, want %d", deny, wantDeny)
	}
	if allow&deny != 0 {
		t.Error("allow and deny must not overlap")
	}
}
