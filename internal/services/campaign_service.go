// internal/services/campaign_service.go
package services

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/flintbot-021/flint-prod-sub003/internal/engine/interpolate"
	"github.com/flintbot-021/flint-prod-sub003/internal/engine/variables"
	apperrors "github.com/flintbot-021/flint-prod-sub003/internal/errors"
	"github.com/flintbot-021/flint-prod-sub003/internal/models"
	"github.com/flintbot-021/flint-prod-sub003/internal/storage"
	"github.com/flintbot-021/flint-prod-sub003/internal/utils"
)

const campaignDir = "campaigns"

// CampaignSummary 列表视图
type CampaignSummary struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	SectionCount int       `json:"section_count"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// CampaignService 活动的增删改查；保存前做变量校验
type CampaignService struct {
	storage *storage.FileStorage
	interp  *interpolate.Interpolator
	locks   *LockManager
	logger  *utils.Logger
	now     func() time.Time
}

// NewCampaignService 创建活动服务
func NewCampaignService(fs *storage.FileStorage, interp *interpolate.Interpolator, locks *LockManager, logger *utils.Logger) *CampaignService {
	if interp == nil {
		interp = interpolate.New(interpolate.DefaultOptions())
	}
	if locks == nil {
		locks = NewLockManager(0)
	}
	if logger == nil {
		logger = utils.GetLogger()
	}
	return &CampaignService{
		storage: fs,
		interp:  interp,
		locks:   locks,
		logger:  logger,
		now:     time.Now,
	}
}

// ParseCampaign 解析 YAML 或 JSON 格式的活动定义（JSON 是 YAML 的子集）
func ParseCampaign(data []byte) (*models.Campaign, error) {
	var raw models.RawCampaign
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		if err := json.Unmarshal(trimmed, &raw); err != nil {
			return nil, fmt.Errorf("parse campaign json: %w", err)
		}
	} else if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse campaign yaml: %w", err)
	}

	campaign, err := models.DecodeCampaign(raw)
	if err != nil {
		return nil, err
	}
	assignSectionIDs(campaign)
	return campaign, nil
}

// assignSectionIDs 为缺失 ID 的区块补上 uuid
func assignSectionIDs(campaign *models.Campaign) {
	for i := range campaign.Sections {
		if strings.TrimSpace(campaign.Sections[i].ID) == "" {
			campaign.Sections[i].ID = uuid.NewString()
		}
	}
}

// Validate 返回活动的全部校验问题
func (s *CampaignService) Validate(campaign *models.Campaign) []variables.Issue {
	return variables.ValidateWith(s.interp, campaign.Sections)
}

// checkSavable 存在阻断性问题（重名变量、模板语法错误）时拒绝保存
func (s *CampaignService) checkSavable(campaign *models.Campaign) ([]variables.Issue, error) {
	if strings.TrimSpace(campaign.Name) == "" {
		return nil, apperrors.NewValidationError("campaign name is required", nil)
	}
	issues := s.Validate(campaign)
	if variables.HasBlocking(issues) {
		return issues, apperrors.NewValidationError("campaign has blocking validation issues", nil).WithDetails(issues)
	}
	return issues, nil
}

// CreateCampaign 创建并保存活动，返回非阻断性的校验警告
func (s *CampaignService) CreateCampaign(campaign *models.Campaign) (*models.Campaign, []variables.Issue, error) {
	if campaign == nil {
		return nil, nil, apperrors.NewValidationError("campaign is required", nil)
	}
	assignSectionIDs(campaign)

	issues, err := s.checkSavable(campaign)
	if err != nil {
		return nil, issues, err
	}

	if campaign.ID == "" {
		campaign.ID = uuid.NewString()
	}
	now := s.now().UTC()
	campaign.CreatedAt = now
	campaign.UpdatedAt = now

	err = s.locks.WithLock(campaign.ID, func() error {
		if s.storage.FileExists(campaignDir, campaign.ID+".json") {
			return apperrors.NewConflictError("campaign "+campaign.ID+" already exists", nil)
		}
		return s.storage.SaveJSONFile(campaignDir, campaign.ID+".json", campaign)
	})
	if err != nil {
		return nil, issues, apperrors.WrapError(err, "create campaign", apperrors.ErrorTypeError)
	}

	s.logger.Info("campaign created", map[string]interface{}{
		"campaign_id": campaign.ID,
		"sections":    len(campaign.Sections),
		"warnings":    len(issues),
	})
	return campaign, issues, nil
}

// GetCampaign 读取活动
func (s *CampaignService) GetCampaign(id string) (*models.Campaign, error) {
	var campaign models.Campaign
	err := s.locks.WithReadLock(id, func() error {
		return s.storage.LoadJSONFile(campaignDir, id+".json", &campaign)
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperrors.NewNotFoundError("campaign "+id+" not found", err)
		}
		return nil, apperrors.WrapError(err, "load campaign", apperrors.ErrorTypeError)
	}
	return &campaign, nil
}

// ListCampaigns 按更新时间倒序列出活动摘要；损坏的文件跳过并记录
func (s *CampaignService) ListCampaigns() ([]CampaignSummary, error) {
	files, err := s.storage.ListFiles(campaignDir, ".json")
	if err != nil {
		return nil, apperrors.WrapError(err, "list campaigns", apperrors.ErrorTypeError)
	}

	summaries := make([]CampaignSummary, 0, len(files))
	for _, file := range files {
		campaign, err := s.GetCampaign(strings.TrimSuffix(file, ".json"))
		if err != nil {
			s.logger.Warn("skipping unreadable campaign", map[string]interface{}{"file": file, "error": err})
			continue
		}
		summaries = append(summaries, CampaignSummary{
			ID:           campaign.ID,
			Name:         campaign.Name,
			SectionCount: len(campaign.Sections),
			UpdatedAt:    campaign.UpdatedAt,
		})
	}

	sort.SliceStable(summaries, func(i, j int) bool {
		return summaries[i].UpdatedAt.After(summaries[j].UpdatedAt)
	})
	return summaries, nil
}

// UpdateCampaign 覆盖活动内容，保留创建时间
func (s *CampaignService) UpdateCampaign(id string, campaign *models.Campaign) (*models.Campaign, []variables.Issue, error) {
	if campaign == nil {
		return nil, nil, apperrors.NewValidationError("campaign is required", nil)
	}
	campaign.ID = id
	assignSectionIDs(campaign)

	issues, err := s.checkSavable(campaign)
	if err != nil {
		return nil, issues, err
	}

	err = s.locks.WithLock(id, func() error {
		var existing models.Campaign
		if err := s.storage.LoadJSONFile(campaignDir, id+".json", &existing); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return apperrors.NewNotFoundError("campaign "+id+" not found", err)
			}
			return err
		}
		campaign.CreatedAt = existing.CreatedAt
		campaign.UpdatedAt = s.now().UTC()
		return s.storage.SaveJSONFile(campaignDir, id+".json", campaign)
	})
	if err != nil {
		return nil, issues, apperrors.WrapError(err, "update campaign", apperrors.ErrorTypeError)
	}
	return campaign, issues, nil
}

// DeleteCampaign 删除活动
func (s *CampaignService) DeleteCampaign(id string) error {
	err := s.locks.WithLock(id, func() error {
		return s.storage.DeleteFile(campaignDir, id+".json")
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return apperrors.NewNotFoundError("campaign "+id+" not found", err)
		}
		return apperrors.WrapError(err, "delete campaign", apperrors.ErrorTypeError)
	}
	s.logger.Info("campaign deleted", map[string]interface{}{"campaign_id": id})
	return nil
}

// VariablesAt 返回排序后第 index 个区块可见的变量；index < 0 时返回全部变量
func (s *CampaignService) VariablesAt(campaign *models.Campaign, index int) ([]models.Variable, error) {
	if index < 0 {
		return variables.Extract(campaign.Sections), nil
	}
	if index > len(campaign.Sections) {
		return nil, apperrors.NewValidationError(fmt.Sprintf("section index %d out of range", index), nil)
	}
	return variables.AvailableAt(campaign.Sections, index).Variables(), nil
}
