package server

import (
	"privrelay/internal/domain"
	"privrelay/internal/recovery"
)

type PushPrivacyGroupRequest struct {
	PrivacyGroupData []byte `json:"privacyGroupData" doc:"Encoded privacy group"`
}

type CreateGroupRequest struct {
	From        domain.PublicKey   `json:"from" doc:"Local key creating the group"`
	Members     []domain.PublicKey `json:"members"`
	Name        string             `json:"name,omitempty"`
	Description string             `json:"description,omitempty"`
}

type FindGroupRequest struct {
	Members []domain.PublicKey `json:"members"`
}

type AddMembersRequest struct {
	From    domain.PublicKey   `json:"from"`
	Members []domain.PublicKey `json:"members"`
}

type DeleteGroupRequest struct {
	From           domain.PublicKey `json:"from"`
	PrivacyGroupID domain.PublicKey `json:"privacyGroupId"`
}

type paginatedGroups struct {
	Items []domain.PrivacyGroup `json:"items"`
}

type paginatedStaging struct {
	Items []domain.StagingTransaction `json:"items"`
}

type paginatedEvents struct {
	Items      []domain.Event `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type ResolveResponse = recovery.Settlement

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
