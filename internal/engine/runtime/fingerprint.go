// internal/engine/runtime/fingerprint.go
package runtime

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/flintbot-021/flint-prod-sub003/internal/models"
)

// Fingerprint 计算 AI 逻辑区块的缓存键：提示词模板、其引用变量的当前值、声明的输出
// 以及附带的图像。未引用的变量不影响结果。
func Fingerprint(req models.ProcessRequest) string {
	h := sha256.New()

	fmt.Fprintf(h, "prompt:%d:%s\n", len(req.Prompt), req.Prompt)
	fmt.Fprintf(h, "model:%s:%g\n", req.Model, req.Temperature)

	names := make([]string, 0, len(req.Variables))
	for name := range req.Variables {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(h, "var:%s=%s\n", name, canonical(req.Variables[name]))
	}

	for _, out := range req.OutputVariables {
		fmt.Fprintf(h, "out:%s:%s\n", out.Name, out.Type)
	}

	images := make([]string, 0, len(req.ImageVariables))
	for name := range req.ImageVariables {
		images = append(images, name)
	}
	sort.Strings(images)
	for _, name := range images {
		img := req.ImageVariables[name]
		sum := sha256.Sum256([]byte(img.Base64Data))
		fmt.Fprintf(h, "img:%s:%s:%x\n", name, img.MimeType, sum[:8])
	}

	return hex.EncodeToString(h.Sum(nil))
}

// canonical 值的稳定文本形式，map 按键排序
func canonical(value interface{}) string {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Sprintf("%T:%v", value, value)
	}
	return string(data)
}
