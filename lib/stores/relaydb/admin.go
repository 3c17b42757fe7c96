package relaydb

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	types "github.com/lnbits/nostrrelay/lib"
)

// Getters in this file return (nil, nil) when the row does not exist;
// callers decide whether absence is an error.

func (store *GormRelayStore) GetAccount(relayID string, pubkey string) (*types.Account, error) {
	var account types.Account
	err := store.DB.Where("relay_id = ? AND pubkey = ?", relayID, pubkey).First(&account).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &account, nil
}

func (store *GormRelayStore) UpsertAccount(account *types.Account) error {
	return store.DB.Clauses(clause.OnConflict{UpdateAll: true}).Create(account).Error
}

func (store *GormRelayStore) ListAccounts(relayID string) ([]*types.Account, error) {
	var accounts []*types.Account
	err := store.DB.Where("relay_id = ?", relayID).Order("pubkey ASC").Find(&accounts).Error
	if err != nil {
		return nil, err
	}

	return accounts, nil
}

func (store *GormRelayStore) CreateRelay(nostrRelay *types.NostrRelay) error {
	return store.DB.Create(nostrRelay).Error
}

func (store *GormRelayStore) UpdateRelay(nostrRelay *types.NostrRelay) error {
	return store.DB.Save(nostrRelay).Error
}

func (store *GormRelayStore) GetRelay(relayID string) (*types.NostrRelay, error) {
	var nostrRelay types.NostrRelay
	err := store.DB.Where("id = ?", relayID).First(&nostrRelay).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &nostrRelay, nil
}

func (store *GormRelayStore) GetUserRelays(userID uint) ([]*types.NostrRelay, error) {
	var relays []*types.NostrRelay
	err := store.DB.Where("user_id = ?", userID).Order("id ASC").Find(&relays).Error
	if err != nil {
		return nil, err
	}

	return relays, nil
}

func (store *GormRelayStore) GetActiveRelays() ([]*types.NostrRelay, error) {
	var relays []*types.NostrRelay
	err := store.DB.Where("active = ?", true).Order("id ASC").Find(&relays).Error
	if err != nil {
		return nil, err
	}

	return relays, nil
}

func (store *GormRelayStore) DeleteRelay(relayID string) error {
	return store.DB.Where("id = ?", relayID).Delete(&types.NostrRelay{}).Error
}

func (store *GormRelayStore) SignUpUser(npub string, password string) (*types.User, error) {
	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %v", err)
	}

	user := types.User{
		Npub:     npub,
		Password: string(hashedPassword),
	}

	if err := store.DB.Create(&user).Error; err != nil {
		return nil, err
	}

	return &user, nil
}

func (store *GormRelayStore) FindUserByNpub(npub string) (*types.User, error) {
	var user types.User
	err := store.DB.Where("npub = ?", npub).First(&user).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &user, nil
}

func (store *GormRelayStore) ComparePasswords(hashedPassword string, password string) error {
	return bcrypt.CompareHashAndPassword([]byte(hashedPassword), []byte(password))
}
