package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"stableramp/src/database"
	"stableramp/src/model"
)

type UserRepository struct {
	db *gorm.DB
}

func NewUserRepository() *UserRepository {
	return &UserRepository{db: database.MainDB}
}

func (r *UserRepository) WithDB(db *gorm.DB) *UserRepository {
	return &UserRepository{db: db}
}

func (r *UserRepository) FindByID(ctx context.Context, id uint) (*model.User, error) {
	var user model.User
	err := r.db.WithContext(ctx).First(&user, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: user %d", model.ErrNotFound, id)
		}
		return nil, err
	}
	return &user, nil
}

func (r *UserRepository) FindByUsername(ctx context.Context, username string) (*model.User, error) {
	var user model.User
	err := r.db.WithContext(ctx).Where("username = ?", username).First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: user %s", model.ErrNotFound, username)
		}
		return nil, err
	}
	return &user, nil
}

func (r *UserRepository) UpdatePassword(ctx context.Context, id uint, hash string) error {
	return r.db.WithContext(ctx).
		Model(&model.User{}).
		Where("id = ?", id).
		Update("password", hash).Error
}

// UpdateReputation records a trade outcome for one user and recomputes
// the rating: 5 minus half a point per lost dispute, plus a half-point
// bonus past ten completed trades, floored at 1. Returns the new rating.
func (r *UserRepository) UpdateReputation(ctx context.Context, userID uint, successful bool) (decimal.Decimal, error) {
	var rating decimal.Decimal
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var user model.User
		if err := tx.First(&user, userID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: user %d", model.ErrNotFound, userID)
			}
			return err
		}

		if successful {
			user.CompletedTrades++
		} else {
			user.DisputesLost++
		}
		rating = reputationRating(user.CompletedTrades, user.DisputesLost)

		return tx.Model(&model.User{}).
			Where("id = ?", userID).
			Updates(map[string]interface{}{
				"completed_trades": user.CompletedTrades,
				"disputes_lost":    user.DisputesLost,
				"rating":           rating,
			}).Error
	})
	if err != nil {
		return decimal.Decimal{}, err
	}
	return rating, nil
}

func reputationRating(completedTrades, disputesLost int) decimal.Decimal {
	half := decimal.New(5, -1)
	rating := decimal.NewFromInt(5).
		Sub(decimal.NewFromInt(int64(disputesLost)).Mul(half))
	if completedTrades > 10 {
		rating = rating.Add(half)
	}
	floor := decimal.NewFromInt(1)
	if rating.LessThan(floor) {
		return floor
	}
	return rating
}
