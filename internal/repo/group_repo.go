// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for groups and
// group memberships. Membership business rules (invites, kicks, muting) are
// not modeled; only the queries the delivery layer needs.
package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/telemsg-backend/internal/domain"
)

// CreateGroup inserts a group and its owner membership in one transaction.
func CreateGroup(ctx context.Context, db *gorm.DB, groupID, name, ownerID string) (*domain.Group, error) {
	g := &domain.Group{
		GroupID:   groupID,
		Name:      name,
		OwnerID:   ownerID,
		CreatedAt: time.Now().UTC(),
	}
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(g).Error; err != nil {
			return err
		}
		return tx.Create(&domain.GroupMember{GroupID: groupID, UserID: ownerID, Role: domain.RoleOwner}).Error
	})
	if err != nil {
		return nil, err
	}
	return g, nil
}

// GetGroup fetches a group by ID, or ErrNotFound.
func GetGroup(ctx context.Context, db *gorm.DB, groupID string) (*domain.Group, error) {
	var g domain.Group
	if err := db.WithContext(ctx).Where("group_id = ?", groupID).First(&g).Error; err != nil {
		return nil, err
	}
	return &g, nil
}

// AddMember inserts a membership row with the given role.
func AddMember(ctx context.Context, db *gorm.DB, groupID, userID string, role domain.MemberRole) error {
	return db.WithContext(ctx).Create(&domain.GroupMember{
		GroupID: groupID,
		UserID:  userID,
		Role:    role,
	}).Error
}

// GetMembership returns the membership of userID in groupID, or ErrNotFound.
func GetMembership(ctx context.Context, db *gorm.DB, groupID, userID string) (*domain.GroupMember, error) {
	var m domain.GroupMember
	err := db.WithContext(ctx).
		Where("group_id = ? AND user_id = ?", groupID, userID).
		First(&m).Error
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ListMemberIDs returns the user IDs of every member of groupID.
func ListMemberIDs(ctx context.Context, db *gorm.DB, groupID string) ([]string, error) {
	var ids []string
	err := db.WithContext(ctx).
		Model(&domain.GroupMember{}).
		Where("group_id = ?", groupID).
		Order("user_id ASC").
		Pluck("user_id", &ids).Error
	return ids, err
}

// GroupMembership adapts the group repository functions to the membership
// contract consumed by the delivery router and lifecycle manager.
type GroupMembership struct {
	DB *gorm.DB
}

// IsMember reports whether userID belongs to groupID.
func (g GroupMembership) IsMember(ctx context.Context, groupID, userID string) (bool, error) {
	_, err := GetMembership(ctx, g.DB, groupID, userID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	return err == nil, err
}

// HasAdminRights reports whether userID is an owner or admin of groupID.
func (g GroupMembership) HasAdminRights(ctx context.Context, groupID, userID string) (bool, error) {
	m, err := GetMembership(ctx, g.DB, groupID, userID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return m.Role.HasAdminRights(), nil
}

// MemberIDs lists the members of groupID.
func (g GroupMembership) MemberIDs(ctx context.Context, groupID string) ([]string, error) {
	return ListMemberIDs(ctx, g.DB, groupID)
}
