package handler

import (
	"errors"
	"reflect"
	"sync"

	"rfidpay/internal/model"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

var registerOnce sync.Once

// RegisterValidators 在 gin 的校验引擎上注册金额校验
//
//	money: 正数且最多两位小数
func RegisterValidators() error {
	var err error
	registerOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			err = errors.New("gin 校验引擎不是 validator/v10")
			return
		}
		// decimal.Decimal 按字符串参与校验
		v.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
			if d, ok := field.Interface().(decimal.Decimal); ok {
				return d.String()
			}
			return nil
		}, decimal.Decimal{})
		err = v.RegisterValidation("money", validateMoney)
	})
	return err
}

func validateMoney(fl validator.FieldLevel) bool {
	d, err := decimal.NewFromString(fl.Field().String())
	if err != nil {
		return false
	}
	return model.IsValidAmount(d)
}
