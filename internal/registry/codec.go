package registry

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/go-git/go-git/v5/plumbing/format/config"

	"github.com/sakif/serviceuser/internal/apperror"
	"github.com/sakif/serviceuser/internal/model"
)

// The registry file uses git-config syntax:
//
//	[user "build-bot"]
//		creatorId = 1000001
//		createdBy = Jane Doe
//		createdAt = Mon, 04 Mar 2024 10:00:00 +0000
//		owner = 4f0c0b1e-3c4e-4a57-9d7b-3c3b5e0d6c11
const (
	userSection  = "user"
	keyCreatorID = "creatorId"
	keyCreatedBy = "createdBy"
	keyCreatedAt = "createdAt"
	keyOwner     = "owner"
)

func decode(data []byte) (*config.Config, map[string]model.ServiceUser, error) {
	cfg := config.New()
	if err := config.NewDecoder(bytes.NewReader(data)).Decode(cfg); err != nil {
		return nil, nil, apperror.Parse("service user registry", err)
	}

	users := make(map[string]model.ServiceUser)
	if !cfg.HasSection(userSection) {
		return cfg, users, nil
	}
	for _, sub := range cfg.Section(userSection).Subsections {
		u, err := fromSubsection(sub)
		if err != nil {
			return nil, nil, err
		}
		users[u.Username] = u
	}
	return cfg, users, nil
}

func encode(cfg *config.Config) ([]byte, error) {
	var buf bytes.Buffer
	if err := config.NewEncoder(&buf).Encode(cfg); err != nil {
		return nil, fmt.Errorf("encoding service user registry: %w", err)
	}
	return buf.Bytes(), nil
}

func fromSubsection(sub *config.Subsection) (model.ServiceUser, error) {
	if sub.Name == "" {
		return model.ServiceUser{}, apperror.Parse("service user registry", fmt.Errorf("user section without name"))
	}
	raw := sub.Option(keyCreatorID)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return model.ServiceUser{}, apperror.Parse(
			fmt.Sprintf("creatorId %q of service user %s", raw, sub.Name), err)
	}
	return model.ServiceUser{
		Username:    sub.Name,
		CreatorID:   id,
		CreatorName: sub.Option(keyCreatedBy),
		CreatedAt:   sub.Option(keyCreatedAt),
		Owner:       sub.Option(keyOwner),
	}, nil
}

func toSubsection(sub *config.Subsection, u model.ServiceUser) {
	sub.SetOption(keyCreatorID, strconv.FormatInt(u.CreatorID, 10))
	setOptional(sub, keyCreatedBy, u.CreatorName)
	sub.SetOption(keyCreatedAt, u.CreatedAt)
	setOptional(sub, keyOwner, u.Owner)
}

func setOptional(sub *config.Subsection, key, value string) {
	if value == "" {
		sub.RemoveOption(key)
		return
	}
	sub.SetOption(key, value)
}
