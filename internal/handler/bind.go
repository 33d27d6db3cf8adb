package handlers

import (
	"encoding/json"
	stderrors "errors"
	"io"
	"reflect"
	"regexp"
	"strings"
	"sync"

	apperrors "SafeHerHub/pkg/errors"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
)

const defaultFieldMessage = "Invalid value"

var (
	tagNameOnce sync.Once
	indexRe     = regexp.MustCompile(`\[\d+\]`)
)

// fieldMessages 以 json 路径为键，数组下标写作 []，如 "contacts[].priority"
type fieldMessages map[string]string

func (m fieldMessages) lookup(path string) string {
	if msg, ok := m[path]; ok {
		return msg
	}
	if msg, ok := m[indexRe.ReplaceAllString(path, "[]")]; ok {
		return msg
	}
	return defaultFieldMessage
}

// useJSONFieldNames 让校验错误使用 json 字段名
func useJSONFieldNames() {
	tagNameOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		v.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			if name == "" {
				return f.Name
			}
			return name
		})
	})
}

// trimmer 请求体在校验前去除首尾空白
type trimmer interface{ trim() }

// bindJSON 解码请求体、去空白、再按 binding 标签校验。
// 失败时返回带字段列表的 400 错误。
func bindJSON(c *gin.Context, req any, messages fieldMessages) error {
	useJSONFieldNames()

	if c.Request.Body != nil {
		err := json.NewDecoder(c.Request.Body).Decode(req)
		if err != nil && !stderrors.Is(err, io.EOF) {
			var typeErr *json.UnmarshalTypeError
			if stderrors.As(err, &typeErr) {
				return apperrors.Validation("Validation failed", apperrors.FieldError{
					Field:   typeErr.Field,
					Message: messages.lookup(typeErr.Field),
				})
			}
			return apperrors.Validation("Invalid JSON body")
		}
	}
	if t, ok := req.(trimmer); ok {
		t.trim()
	}

	err := binding.Validator.ValidateStruct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !stderrors.As(err, &verrs) {
		return apperrors.Validation(err.Error())
	}
	fields := make([]apperrors.FieldError, 0, len(verrs))
	for _, fe := range verrs {
		path := fe.Namespace()
		if i := strings.IndexByte(path, '.'); i >= 0 {
			path = path[i+1:]
		}
		fields = append(fields, apperrors.FieldError{
			Field:   path,
			Message: messages.lookup(path),
			Value:   fe.Value(),
		})
	}
	return apperrors.Validation("Validation failed", fields...)
}
