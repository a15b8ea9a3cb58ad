package card

import (
	"context"
	"fmt"

	openapi "github.com/alibabacloud-go/darabonba-openapi/v2/client"
	dingtalkcard "github.com/alibabacloud-go/dingtalk/card_1_0"
	util "github.com/alibabacloud-go/tea-utils/v2/service"
	"github.com/alibabacloud-go/tea/tea"

	"github.com/wendell1224/openclaw-china/internal/credential"
)

// SDKClient adapts the alibabacloud-go DingTalk card_1_0 SDK to the
// Client interface, refreshing the access token from cache on every
// call rather than holding one fixed at construction time.
type SDKClient struct {
	sdk      *dingtalkcard.Client
	tokens   *credential.Cache
	tokenKey string
	fetch    credential.FetchFunc
	robotCode string
}

// NewSDKClient builds a card client bound to one DingTalk app's
// credential cache entry.
func NewSDKClient(tokens *credential.Cache, tokenKey, robotCode string, fetch credential.FetchFunc) (*SDKClient, error) {
	cfg := &openapi.Config{}
	cfg.Protocol = tea.String("https")
	cfg.RegionId = tea.String("central")
	sdk, err := dingtalkcard.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("create dingtalk card client: %w", err)
	}
	return &SDKClient{sdk: sdk, tokens: tokens, tokenKey: tokenKey, fetch: fetch, robotCode: robotCode}, nil
}

func (c *SDKClient) accessToken(ctx context.Context) (string, error) {
	return c.tokens.Get(ctx, c.tokenKey, c.fetch)
}

// CreateAndDeliver delivers a new AI card into the conversation
// identified by req, choosing the group or private delivery model per
// req.ConversationType the way opsre-ZenOps's card client does.
func (c *SDKClient) CreateAndDeliver(ctx context.Context, req CreateRequest) error {
	token, err := c.accessToken(ctx)
	if err != nil {
		return err
	}

	headers := &dingtalkcard.CreateAndDeliverHeaders{XAcsDingtalkAccessToken: tea.String(token)}

	cardData := &dingtalkcard.CreateAndDeliverRequestCardData{CardParamMap: make(map[string]*string)}
	for k, v := range req.CardData {
		cardData.CardParamMap[k] = tea.String(v)
	}

	createReq := &dingtalkcard.CreateAndDeliverRequest{
		CardTemplateId: tea.String(req.CardTemplateID),
		OutTrackId:     tea.String(req.OutTrackID),
		CardData:       cardData,
		CallbackType:   tea.String("STREAM"),
		UserIdType:     tea.Int32(1),
	}

	robotCode := req.RobotCode
	if robotCode == "" {
		robotCode = c.robotCode
	}

	switch req.ConversationType {
	case "2":
		createReq.SetImGroupOpenDeliverModel(&dingtalkcard.CreateAndDeliverRequestImGroupOpenDeliverModel{RobotCode: tea.String(robotCode)})
	default:
		createReq.SetImRobotOpenDeliverModel(&dingtalkcard.CreateAndDeliverRequestImRobotOpenDeliverModel{SpaceType: tea.String("IM_GROUP")})
	}

	_, err = c.sdk.CreateAndDeliverWithOptions(createReq, headers, &util.RuntimeOptions{})
	return err
}

// StreamingUpdate pushes one content update for an already-created card.
func (c *SDKClient) StreamingUpdate(ctx context.Context, req UpdateRequest) error {
	token, err := c.accessToken(ctx)
	if err != nil {
		return err
	}

	headers := &dingtalkcard.StreamingUpdateHeaders{XAcsDingtalkAccessToken: tea.String(token)}
	updateReq := &dingtalkcard.StreamingUpdateRequest{
		OutTrackId: tea.String(req.OutTrackID),
		Guid:       tea.String(req.Guid),
		Key:        tea.String(req.Key),
		Content:    tea.String(req.Content),
		IsFull:     tea.Bool(req.IsFull),
		IsFinalize: tea.Bool(req.IsFinalize),
		IsError:    tea.Bool(req.IsError),
	}

	_, err = c.sdk.StreamingUpdateWithOptions(updateReq, headers, &util.RuntimeOptions{})
	return err
}

// SetStatus PUTs a state transition with no content delta, covering
// the INPUTING and FINISHED/FAILED status updates §4.J requires as
// calls distinct from a content-carrying stream update. It reuses
// StreamingUpdate with IsFull=false and an empty content field, since
// the card_1_0 SDK's streaming endpoint is the only card-state
// mutation call this package has direct grounding for.
func (c *SDKClient) SetStatus(ctx context.Context, outTrackID string, status State) error {
	token, err := c.accessToken(ctx)
	if err != nil {
		return err
	}

	headers := &dingtalkcard.StreamingUpdateHeaders{XAcsDingtalkAccessToken: tea.String(token)}
	finalize := status == StateFinished || status == StateFailed
	updateReq := &dingtalkcard.StreamingUpdateRequest{
		OutTrackId: tea.String(outTrackID),
		Guid:       tea.String(newGuid()),
		Key:        tea.String("content"),
		Content:    tea.String(""),
		IsFull:     tea.Bool(false),
		IsFinalize: tea.Bool(finalize),
		IsError:    tea.Bool(status == StateFailed),
	}

	_, err = c.sdk.StreamingUpdateWithOptions(updateReq, headers, &util.RuntimeOptions{})
	return err
}
