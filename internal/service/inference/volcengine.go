package inference

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/zhouzirui/live-transcribe/backend/internal/service/inference/sauc"
)

const (
	volcengineProvider = "volcengine"

	defaultVolcengineEndpoint   = "wss://openspeech.bytedance.com/api/v3/sauc/bigmodel_nostream"
	defaultVolcengineResourceID = "volc.bigasr.sauc.duration"

	// volcengineOK is the success code in a response body; 0 is also accepted.
	volcengineOK = 20000000

	defaultVolcenginePacketBytes = 6400
)

// VolcengineConfig 火山引擎流式语音识别配置
type VolcengineConfig struct {
	AppID       string
	AccessToken string
	ResourceID  string
	Endpoint    string
	Language    string
	Format      string // 容器格式，如 ogg、wav、pcm
	Codec       string // 编码，如 opus、raw
	SampleRate  int
	PacketBytes int
	Dialer      *websocket.Dialer
}

// VolcengineClient transcribes a chunk by opening one SAUC recognition
// session per call.
type VolcengineClient struct {
	cfg    VolcengineConfig
	dialer *websocket.Dialer
}

// NewVolcengineClient 校验凭证并创建客户端
func NewVolcengineClient(cfg VolcengineConfig) (*VolcengineClient, error) {
	cfg.AppID = strings.TrimSpace(cfg.AppID)
	cfg.AccessToken = strings.TrimSpace(cfg.AccessToken)
	if cfg.AppID == "" || cfg.AccessToken == "" {
		return nil, errors.New("火山引擎语音配置缺少 AppID 或 AccessToken")
	}

	if cfg.ResourceID == "" {
		cfg.ResourceID = defaultVolcengineResourceID
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaultVolcengineEndpoint
	}
	if cfg.Language == "" {
		cfg.Language = "zh-CN"
	}
	if cfg.Format == "" {
		cfg.Format = "ogg"
	}
	if cfg.Codec == "" {
		cfg.Codec = "opus"
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.PacketBytes <= 0 {
		cfg.PacketBytes = defaultVolcenginePacketBytes
	}

	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: 30 * time.Second}
	}

	return &VolcengineClient{cfg: cfg, dialer: dialer}, nil
}

type volcengineRequest struct {
	User struct {
		UID string `json:"uid,omitempty"`
	} `json:"user"`
	Audio struct {
		Language string `json:"language,omitempty"`
		Format   string `json:"format"`
		Codec    string `json:"codec,omitempty"`
		Rate     int    `json:"rate,omitempty"`
		Bits     int    `json:"bits,omitempty"`
		Channel  int    `json:"channel,omitempty"`
	} `json:"audio"`
	Request struct {
		ModelName      string `json:"model_name"`
		EnableITN      bool   `json:"enable_itn,omitempty"`
		EnablePunc     bool   `json:"enable_punc,omitempty"`
		ShowUtterances bool   `json:"show_utterances,omitempty"`
		ResultType     string `json:"result_type,omitempty"`
	} `json:"request"`
}

type volcengineResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Result  struct {
		Text       string `json:"text"`
		Utterances []struct {
			Text string `json:"text"`
		} `json:"utterances,omitempty"`
	} `json:"result"`
}

// Transcribe streams audio to the recognizer and returns the final text.
func (c *VolcengineClient) Transcribe(ctx context.Context, audio []byte) (string, error) {
	if len(audio) == 0 {
		return "", nil
	}

	connectID := uuid.NewString()
	header := http.Header{}
	header.Set("X-Api-App-Key", c.cfg.AppID)
	header.Set("X-Api-Access-Key", c.cfg.AccessToken)
	header.Set("X-Api-Resource-Id", c.cfg.ResourceID)
	header.Set("X-Api-Connect-Id", connectID)

	conn, resp, err := c.dialer.DialContext(ctx, c.cfg.Endpoint, header)
	if err != nil {
		if resp != nil {
			return "", &Error{Provider: volcengineProvider, Reason: ReasonStatus, StatusCode: resp.StatusCode, Err: err}
		}
		return "", requestError(volcengineProvider, err)
	}
	defer conn.Close()

	// Unblocks reads and writes once ctx ends.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if logID := resp.Header.Get("X-Tt-Logid"); logID != "" {
		log.Printf("[inference] volcengine connected connect_id=%s logid=%s", connectID, logID)
	}

	if err := c.send(conn, connectID, audio); err != nil {
		return "", c.wrapIOError(ctx, err)
	}

	text, err := c.receive(conn)
	if err != nil {
		var ie *Error
		if errors.As(err, &ie) {
			return "", err
		}
		return "", c.wrapIOError(ctx, err)
	}
	return text, nil
}

func (c *VolcengineClient) send(conn *websocket.Conn, connectID string, audio []byte) error {
	var req volcengineRequest
	req.User.UID = connectID
	req.Audio.Language = c.cfg.Language
	req.Audio.Format = c.cfg.Format
	req.Audio.Codec = c.cfg.Codec
	req.Audio.Rate = c.cfg.SampleRate
	req.Audio.Bits = 16
	req.Audio.Channel = 1
	req.Request.ModelName = "bigmodel"
	req.Request.EnableITN = true
	req.Request.EnablePunc = true
	req.Request.ShowUtterances = true
	req.Request.ResultType = "full"

	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	frame, err := sauc.ConfigFrame(payload)
	if err != nil {
		return err
	}
	if err := writeFrame(conn, frame); err != nil {
		return fmt.Errorf("send request: %w", err)
	}

	// The config frame takes sequence 1.
	seq := int32(2)
	for start := 0; start < len(audio); start += c.cfg.PacketBytes {
		end := min(start+c.cfg.PacketBytes, len(audio))
		frame, err := sauc.AudioFrame(audio[start:end], seq, end == len(audio))
		if err != nil {
			return err
		}
		if err := writeFrame(conn, frame); err != nil {
			return fmt.Errorf("send audio packet %d: %w", seq, err)
		}
		seq++
	}
	return nil
}

// receive reads server frames until the last one and returns its text.
func (c *VolcengineClient) receive(conn *websocket.Conn) (string, error) {
	var text string
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return "", fmt.Errorf("read response: %w", err)
		}

		frame, err := sauc.Unmarshal(data)
		if err != nil {
			return "", &Error{Provider: volcengineProvider, Reason: ReasonDecode, Err: err}
		}

		switch frame.Type {
		case sauc.ErrorMessage:
			body, _ := frame.Body()
			return "", &Error{
				Provider: volcengineProvider,
				Reason:   ReasonProvider,
				Err:      fmt.Errorf("error %d: %s", frame.ErrorCode, strings.TrimSpace(string(body))),
			}

		case sauc.FullServerResponse:
			body, err := frame.Body()
			if err != nil {
				return "", &Error{Provider: volcengineProvider, Reason: ReasonDecode, Err: err}
			}

			var parsed volcengineResponse
			if err := json.Unmarshal(body, &parsed); err != nil {
				return "", &Error{Provider: volcengineProvider, Reason: ReasonDecode, Err: fmt.Errorf("decode response: %w", err)}
			}
			if parsed.Code != 0 && parsed.Code != volcengineOK {
				return "", &Error{Provider: volcengineProvider, Reason: ReasonProvider, Err: fmt.Errorf("error %d: %s", parsed.Code, parsed.Message)}
			}

			if candidate := parsed.text(); candidate != "" {
				text = candidate
			}
			if frame.Last() {
				return text, nil
			}
		}
	}
}

func (c *VolcengineClient) wrapIOError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return requestError(volcengineProvider, fmt.Errorf("%w: %v", ctxErr, err))
	}
	return requestError(volcengineProvider, err)
}

func (r volcengineResponse) text() string {
	if r.Result.Text != "" {
		return r.Result.Text
	}
	parts := make([]string, 0, len(r.Result.Utterances))
	for _, u := range r.Result.Utterances {
		parts = append(parts, u.Text)
	}
	return strings.Join(parts, " ")
}

func writeFrame(conn *websocket.Conn, frame sauc.Frame) error {
	data, err := frame.MarshalBinary()
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.BinaryMessage, data)
}
