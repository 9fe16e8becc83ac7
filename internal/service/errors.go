package service

import "errors"

var (
	ErrInvalidCardStatus       = errors.New("无效的卡片状态")
	ErrAlreadyInState          = errors.New("卡片已处于目标状态")
	ErrInvalidStatusTransition = errors.New("不允许的卡片状态变更")
	ErrInvalidOwner            = errors.New("持卡人只能是个人或机构之一")
	ErrInvalidLimits           = errors.New("额度必须为非负数且最高余额大于 0")
	ErrInvalidCardType         = errors.New("无效的卡片类型")

	ErrInvalidAmount          = errors.New("金额必须为正数且最多两位小数")
	ErrInvalidTransactionType = errors.New("无效的交易类型")
	ErrRecipientRequired      = errors.New("转账必须指定收款卡片")
	ErrSameCard               = errors.New("收款卡片不能与付款卡片相同")
	ErrAlreadyProcessing      = errors.New("交易正在结算，无法取消")
	ErrAlreadyProcessed       = errors.New("交易已处理完成")

	ErrInvalidPaymentMode = errors.New("无效的支付方式")
)
