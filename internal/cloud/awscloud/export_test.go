package awscloud

var NewForTest = newForTest
var StoreError = storeError
