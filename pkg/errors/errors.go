package errors

import "errors"

// ErrOptimisticLock 乐观锁冲突：记录已被其他操作修改
var ErrOptimisticLock = errors.New("数据已被其他操作修改，请刷新后重试")

// ErrInvalidInput 调用方传入的参数缺失或格式非法
var ErrInvalidInput = errors.New("参数无效")
